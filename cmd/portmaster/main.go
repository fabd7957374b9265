package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/portmaster-go/portmaster/internal/present"
	"github.com/portmaster-go/portmaster/internal/reliable"
	"github.com/portmaster-go/portmaster/internal/session"
	"github.com/portmaster-go/portmaster/internal/transmission"
	"github.com/portmaster-go/portmaster/internal/transport"
)

// VERSION is injected by buildflags, matching the teacher's client/server
// self-build convention.
var VERSION = "SELFBUILD"

const shutdownPollCap = 3 * time.Second

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "portmaster"
	app.Usage = "move a byte stream or file over a serial/TCP/UDP/loopback link, optionally through a reliable ARQ layer"
	app.Version = VERSION
	app.Flags = commonFlags()
	app.Commands = []cli.Command{
		{
			Name:   "send",
			Usage:  "open a transport and send a file (or stdin) to the other end",
			Flags:  append(commonFlags(), cli.StringFlag{Name: "file", Usage: "path to send; empty reads stdin"}),
			Action: runSend,
		},
		{
			Name:   "listen",
			Usage:  "open a transport, receive a stream, and save it",
			Flags:  append(commonFlags(), cli.StringFlag{Name: "save", Usage: "path to write received bytes to; empty writes stdout"}),
			Action: runListen,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "porttype", Value: "tcp", Usage: "serial, tcp, udp, loopback"},
		cli.StringFlag{Name: "port", Value: "127.0.0.1:29900", Usage: "serial device path, or host:port for tcp/udp"},
		cli.BoolFlag{Name: "isserver", Usage: "tcp/udp: listen instead of dial"},
		cli.IntFlag{Name: "baudrate", Value: 115200, Usage: "serial baud rate"},
		cli.BoolFlag{Name: "reliable", Usage: "interpose the selective-repeat ARQ layer"},
		cli.IntFlag{Name: "windowsize", Value: 32},
		cli.IntFlag{Name: "maxpayload", Value: 1024},
		cli.IntFlag{Name: "maxretries", Value: 3},
		cli.IntFlag{Name: "timeoutbasems", Value: 5000},
		cli.IntFlag{Name: "timeoutmaxms", Value: 15000},
		cli.IntFlag{Name: "heartbeatms", Value: 1000},
		cli.BoolFlag{Name: "compress"},
		cli.StringFlag{Name: "crypt", Value: "none", Usage: "none, aes-gcm, salsa20, sm4"},
		cli.StringFlag{Name: "key", EnvVar: "PORTMASTER_KEY"},
		cli.IntFlag{Name: "datashard,ds", Value: 0, Usage: "reed-solomon data shards, 0 disables FEC"},
		cli.IntFlag{Name: "parityshard,ps", Value: 0},
		cli.BoolFlag{Name: "hex", Usage: "present received bytes as a hex dump"},
		cli.BoolFlag{Name: "quiet"},
		cli.StringFlag{Name: "snmplog", Usage: "collect stats CSV to file, aware of time format in the path, like ./snmp-20060102.log"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "stats collection period, in seconds"},
		cli.StringFlag{Name: "log", Usage: "log file to output to; default goes to stderr"},
		cli.StringFlag{Name: "c", Usage: "config from json file, overrides flags"},
	}
}

func configFromContext(c *cli.Context) (Config, error) {
	cfg := Config{
		Port:          c.String("port"),
		PortType:      c.String("porttype"),
		IsServer:      c.Bool("isserver"),
		BaudRate:      c.Int("baudrate"),
		Reliable:      c.Bool("reliable"),
		WindowSize:    c.Int("windowsize"),
		MaxPayload:    c.Int("maxpayload"),
		MaxRetries:    c.Int("maxretries"),
		TimeoutBaseMS: c.Int("timeoutbasems"),
		TimeoutMaxMS:  c.Int("timeoutmaxms"),
		HeartbeatMS:   c.Int("heartbeatms"),
		Compress:      c.Bool("compress"),
		Crypt:         c.String("crypt"),
		Key:           c.String("key"),
		DataShard:     c.Int("datashard"),
		ParityShard:   c.Int("parityshard"),
		File:          c.String("file"),
		Save:          c.String("save"),
		Hex:           c.Bool("hex"),
		Quiet:         c.Bool("quiet"),
		SnmpLog:       c.String("snmplog"),
		SnmpPeriod:    c.Int("snmpperiod"),
		Log:           c.String("log"),
	}
	if path := c.String("c"); path != "" {
		if err := parseJSONConfig(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return cfg, err
		}
		log.SetOutput(f)
	}
	return cfg, nil
}

func portType(name string) transport.PortType {
	switch name {
	case "serial":
		return transport.PortSerial
	case "udp":
		return transport.PortUDP
	case "loopback":
		return transport.PortLoopback
	default:
		return transport.PortTCP
	}
}

func transportConfig(cfg Config) (transport.PortType, transport.Config) {
	pt := portType(cfg.PortType)
	tc := transport.Config{
		PortType:       pt,
		PortName:       cfg.Port,
		BaudRate:       cfg.BaudRate,
		IsServer:       cfg.IsServer,
		ReadTimeoutMS:  cfg.ReadMS,
		WriteTimeoutMS: cfg.WriteMS,
	}
	if pt == transport.PortTCP || pt == transport.PortUDP {
		host, portStr, err := net.SplitHostPort(cfg.Port)
		if err == nil {
			tc.IP = host
			if p, perr := strconv.Atoi(portStr); perr == nil {
				tc.Port = p
			}
		}
	}
	return pt, tc
}

func reliableConfig(cfg Config) *reliable.Config {
	if !cfg.Reliable {
		return nil
	}
	rc := reliable.DefaultConfig()
	if cfg.WindowSize > 0 {
		rc.WindowSize = cfg.WindowSize
	}
	if cfg.MaxPayload > 0 {
		rc.MaxPayloadSize = cfg.MaxPayload
	}
	if cfg.MaxRetries > 0 {
		rc.MaxRetries = cfg.MaxRetries
	}
	if cfg.TimeoutBaseMS > 0 {
		rc.TimeoutBaseMS = cfg.TimeoutBaseMS
	}
	if cfg.TimeoutMaxMS > 0 {
		rc.TimeoutMaxMS = cfg.TimeoutMaxMS
	}
	if cfg.HeartbeatMS > 0 {
		rc.HeartbeatIntervalMS = cfg.HeartbeatMS
	}
	rc.EnableCompression = cfg.Compress
	rc.CipherName = cfg.Crypt
	rc.EnableEncryption = cfg.Crypt != "" && cfg.Crypt != "none"
	rc.PassPhrase = cfg.Key
	rc.FECDataShards = cfg.DataShard
	rc.FECParityShards = cfg.ParityShard
	return &rc
}

func runSend(c *cli.Context) error {
	cfg, err := configFromContext(c)
	if err != nil {
		return err
	}
	logStartupBanner(cfg)

	ctrl := session.New(nil, session.Callbacks{
		OnStateChanged: func(from, to session.ApplicationState) {
			if !cfg.Quiet {
				color.Cyan("state: %s -> %s", from, to)
			}
		},
		OnError: func(err error) { color.Red("error: %v", err) },
	})
	pt, tc := transportConfig(cfg)
	rc := reliableConfig(cfg)
	if err := ctrl.Connect(pt, tc, rc); err != nil {
		return err
	}
	defer ctrl.Shutdown()

	var in io.Reader = os.Stdin
	if cfg.File != "" {
		f, err := os.Open(cfg.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	stopStats := startStatsLogger(cfg, ctrl)
	defer stopStats()

	done := make(chan struct{})
	var result transmission.Result
	co := transmission.NewCoordinator(transmission.DefaultConfig())
	_, err = co.Submit(data, ctrl.Channel(), ctrl.Transport(), transmission.Callbacks{
		OnProgress: func(p transmission.Progress) {
			if !cfg.Quiet {
				fmt.Printf("\rsent %d/%d bytes (%.1f%%)", p.BytesDone, p.BytesTotal, p.Percent())
			}
		},
		OnComplete: func(r transmission.Result) { result = r; close(done) },
	})
	if err != nil {
		return err
	}
	<-done
	if !cfg.Quiet {
		fmt.Println()
	}
	if result.FinalState != transmission.Completed {
		color.Red("transmission ended in state %s: %v", result.FinalState, result.Err)
		return cli.NewExitError("transmission failed", 4)
	}
	if ch := ctrl.Channel(); ch != nil {
		if err := ch.SendEnd(); err != nil {
			return err
		}
	}
	color.Green("transmission complete: %d bytes", len(data))
	return nil
}

func runListen(c *cli.Context) error {
	cfg, err := configFromContext(c)
	if err != nil {
		return err
	}
	logStartupBanner(cfg)

	done := make(chan struct{})
	var success bool
	var reason string
	ctrl := session.New(nil, session.Callbacks{
		OnStateChanged: func(from, to session.ApplicationState) {
			if !cfg.Quiet {
				color.Cyan("state: %s -> %s", from, to)
			}
		},
		OnError: func(err error) { color.Red("error: %v", err) },
		OnCompletion: func(ok bool, why string) {
			success, reason = ok, why
			close(done)
		},
	})
	pt, tc := transportConfig(cfg)
	rc := reliableConfig(cfg)
	if err := ctrl.Connect(pt, tc, rc); err != nil {
		return err
	}
	defer ctrl.Shutdown()
	if err := ctrl.StartReceiveSession(); err != nil {
		return err
	}

	stopStats := startStatsLogger(cfg, ctrl)
	defer stopStats()

	if rc == nil {
		color.Yellow("raw mode has no end-of-transfer signal; press Ctrl+C to stop listening")
		select {}
	}

	<-done
	if !success {
		color.Red("transfer failed: %s", reason)
		return cli.NewExitError("transfer failed", 4)
	}

	cache := ctrl.Cache()
	if cfg.Save != "" {
		n, err := cache.CopyToFile(cfg.Save)
		if err != nil {
			return err
		}
		color.Green("saved %d bytes to %s", n, cfg.Save)
		return nil
	}

	total := int64(cache.TotalReceivedBytes())
	payload, err := cache.Read(0, int(total))
	if err != nil {
		return err
	}
	if cfg.Hex {
		fmt.Println(present.BytesToHex(payload))
	} else {
		os.Stdout.Write(payload)
	}
	return nil
}

func logStartupBanner(cfg Config) {
	if cfg.Quiet {
		return
	}
	log.Println("version:", VERSION)
	log.Println("porttype:", cfg.PortType, "port:", cfg.Port, "isserver:", cfg.IsServer)
	log.Println("reliable:", cfg.Reliable)
	if cfg.Reliable {
		log.Println("windowsize:", cfg.WindowSize, "maxpayload:", cfg.MaxPayload, "maxretries:", cfg.MaxRetries)
		log.Println("crypt:", cfg.Crypt, "compress:", cfg.Compress)
		log.Println("datashard:", cfg.DataShard, "parityshard:", cfg.ParityShard)
	}
}

// startStatsLogger mirrors std.SnmpLogger: a ticker that appends a CSV row
// of reliable.Stats to a time-formatted path. It's a no-op in raw mode or
// when snmplog is unset, and returns a stop func safe to call unconditionally.
func startStatsLogger(cfg Config, ctrl *session.Controller) func() {
	if cfg.SnmpLog == "" || cfg.SnmpPeriod <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.SnmpPeriod) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ch := ctrl.Channel()
				if ch == nil {
					continue
				}
				writeStatsRecord(cfg.SnmpLog, ch.GetStats())
			}
		}
	}()
	return func() { close(stop) }
}

func writeStatsRecord(path string, stats reliable.Stats) {
	logdir, logfile := filepath.Split(path)
	f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		log.Println(err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, stats.Header()...)); err != nil {
			log.Println(err)
		}
	}
	if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, stats.ToRecord()...)); err != nil {
		log.Println(err)
	}
	w.Flush()
}
