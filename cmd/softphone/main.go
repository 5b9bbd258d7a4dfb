// Command softphone runs an interactive command-line softphone against a
// running gateway: it mints a credential, registers the SIP device, and
// drives the call session from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/sebas/handset/internal/banner"
	"github.com/sebas/handset/internal/logger"
	"github.com/sebas/handset/internal/softphone"
	"github.com/sebas/handset/internal/softphone/client"
	"github.com/sebas/handset/internal/softphone/device/sipdevice"
	"github.com/sebas/handset/internal/softphone/events"
	"github.com/sebas/handset/internal/softphone/session"
)

type phoneConfig struct {
	GatewayURL string `env:"GATEWAY_URL" envDefault:"http://localhost:4000"`
	Identity   string `env:"IDENTITY" envDefault:"user"`

	SIPRegistrar string `env:"SIP_REGISTRAR" envDefault:"localhost:5060"`
	SIPBindAddr  string `env:"SIP_BIND" envDefault:"0.0.0.0"`
	SIPPort      int    `env:"SIP_PORT" envDefault:"5070"`
	RTPPort      int    `env:"RTP_PORT" envDefault:"4002"`

	// Optional MQTT broker for session transition events
	MQTTBroker string `env:"MQTT_BROKER"`

	LogLevel string `env:"LOGLEVEL" envDefault:"info"`
}

func main() {
	_ = godotenv.Load()
	cfg := phoneConfig{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("SOFTPHONE", []banner.ConfigLine{
		{Label: "Gateway", Value: cfg.GatewayURL},
		{Label: "Identity", Value: cfg.Identity},
		{Label: "SIP Registrar", Value: cfg.SIPRegistrar},
		{Label: "SIP Port", Value: fmt.Sprintf("%d", cfg.SIPPort)},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	dev, err := sipdevice.New(sipdevice.Config{
		Identity:  cfg.Identity,
		Registrar: cfg.SIPRegistrar,
		BindAddr:  cfg.SIPBindAddr,
		Port:      cfg.SIPPort,
		RTPPort:   cfg.RTPPort,
	})
	if err != nil {
		slog.Error("Failed to create SIP device", "error", err)
		os.Exit(1)
	}

	phoneCfg := softphone.Config{Identity: cfg.Identity}
	if cfg.MQTTBroker != "" {
		pub, err := events.NewMQTTPublisher(events.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: "softphone-" + cfg.Identity,
		})
		if err != nil {
			slog.Error("Failed to connect to MQTT broker", "broker", cfg.MQTTBroker, "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		phoneCfg.Publisher = pub
	}

	gw := client.NewClient(cfg.GatewayURL)
	phone := softphone.New(phoneCfg, dev, gw)
	defer phone.Close()

	unsubscribe := phone.Subscribe(func(snap session.Snapshot) {
		line := "state: " + snap.Status.String()
		if snap.Caller != nil {
			line += " (" + snap.Caller.PhoneNumber + ")"
		}
		if snap.Muted {
			line += " [muted]"
		}
		fmt.Println(line)
	})
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := phone.Setup(ctx); err != nil {
		slog.Error("Setup failed", "error", err)
		os.Exit(1)
	}

	go repl(ctx, phone, stop)

	<-ctx.Done()
	fmt.Println("bye")
}

func repl(ctx context.Context, phone *softphone.Phone, quit func()) {
	fmt.Println("commands: call <number> | answer | reject | hangup | mute | digit <d> | history | status | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <number>")
				continue
			}
			err = phone.Dial(ctx, fields[1])
		case "answer":
			err = phone.Answer()
		case "reject":
			err = phone.Reject()
		case "hangup":
			err = phone.Hangup()
		case "mute":
			err = phone.ToggleMute()
		case "digit":
			if len(fields) < 2 || len(fields[1]) != 1 {
				fmt.Println("usage: digit <0-9,*,#>")
				continue
			}
			err = phone.SendDigit(rune(fields[1][0]))
		case "history":
			for _, e := range phone.History() {
				fmt.Printf("%s  %-8s %-8s %s (%ds)\n",
					e.Timestamp.Format("15:04:05"), e.Direction, e.Outcome, e.PhoneNumber, e.DurationSeconds)
			}
		case "status":
			snap := phone.Snapshot()
			fmt.Printf("status=%s ready=%v oncall=%v muted=%v\n", snap.Status, snap.Ready, snap.OnCall, snap.Muted)
		case "quit":
			quit()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}

		if err != nil {
			fmt.Println("error:", err)
		}
	}
}
