package main

import (
	"flag"
	"time"
)

// Config holds probe runtime configuration.
type Config struct {
	Mode     string
	Addr     string
	Count    int
	Interval time.Duration
	Pad      int
	Timeout  time.Duration
	Serve    string
	Debug    bool
}

func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Mode, "p", "tcp", "protocol to probe: tcp or udp")
	fs.StringVar(&c.Addr, "addr", "127.0.0.1:9000", "relay address to send probes to")
	fs.IntVar(&c.Count, "count", 1, "number of probes to send")
	fs.DurationVar(&c.Interval, "interval", time.Second, "delay between probes")
	fs.IntVar(&c.Pad, "pad", 0, "filler bytes added to each probe")
	fs.DurationVar(&c.Timeout, "timeout", 3*time.Second, "time to wait for each echo")
	fs.StringVar(&c.Serve, "serve", "", "run a tcp+udp echo remote on this address instead of probing")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
}
