// Command beacon simulates an attendee device: it waits for a course
// announcement, advertises its identity and reports the host's ack.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"

	"github.com/kabili207/rollcall/pkg/broadcast"
	"github.com/kabili207/rollcall/pkg/codec"
	"github.com/kabili207/rollcall/pkg/radio"
	"github.com/kabili207/rollcall/pkg/radio/mqttair"
)

var (
	errRejected = errors.New("attendance rejected by host")
	errEnded    = errors.New("session ended before acknowledgement")
)

type options struct {
	broker   string
	username string
	password string
	prefix   string
	address  string
	subject  string
	course   string
	rssi     int
	mode     string
	timeout  time.Duration
	verbose  bool
}

func main() {
	var opts options
	flag.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "Air broker URL")
	flag.StringVar(&opts.username, "username", "", "Broker username")
	flag.StringVar(&opts.password, "password", "", "Broker password")
	flag.StringVar(&opts.prefix, "prefix", "air", "Air topic prefix")
	flag.StringVar(&opts.address, "address", "", "Device address (defaults to the subject id)")
	flag.StringVar(&opts.subject, "subject", "", "Subject id to advertise")
	flag.StringVar(&opts.course, "course", "", "Only check in to this course name")
	flag.IntVar(&opts.rssi, "rssi", -60, "Signal strength reported for our advertisements")
	flag.StringVar(&opts.mode, "mode", "balanced", "Advertise mode: low_power, balanced or low_latency")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Give up after this long")
	flag.BoolVar(&opts.verbose, "v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	colorOpts := *slogcolor.DefaultOptions
	colorOpts.Level = level
	log := slog.New(slogcolor.NewHandler(os.Stderr, &colorOpts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.Error("check-in failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, log *slog.Logger) error {
	if opts.subject == "" {
		return errors.New("-subject is required")
	}
	if opts.address == "" {
		opts.address = opts.subject
	}
	mode, err := broadcast.ParseMode(opts.mode)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	air, err := mqttair.Dial(mqttair.ClientOptions{
		BrokerURL:   opts.broker,
		Username:    opts.username,
		Password:    opts.password,
		TopicPrefix: opts.prefix,
		Address:     opts.address,
		TxRSSI:      &opts.rssi,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer air.Close()

	announces := make(chan codec.AnnouncePacket, 16)
	unsubscribe, err := air.Subscribe(func(f radio.Frame) {
		pkt, err := codec.Decode(f.Payload)
		if err != nil {
			return
		}
		ann, ok := pkt.(codec.AnnouncePacket)
		if !ok || (opts.course != "" && ann.CourseName != opts.course) {
			return
		}
		select {
		case announces <- ann:
		default:
		}
	}, func(err error) {
		log.Warn("air connection lost", "error", err)
		cancel()
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	acks := make(chan bool, 4)
	unsubscribeAcks, err := air.SubscribeAcks(func(f radio.Frame) {
		ok, err := codec.DecodeAck(f.Payload)
		if err != nil {
			log.Debug("ignoring malformed ack", "error", err)
			return
		}
		select {
		case acks <- ok:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribeAcks()

	log.Info("waiting for a course announcement", "course", opts.course)
	var current codec.AnnouncePacket
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case current = <-announces:
		}
		if current.Active {
			break
		}
	}
	log.Info("course found", "course", current.CourseName, "session_id", current.SessionID)

	payload, err := codec.EncodeIdentity(codec.IdentityPacket{SubjectID: opts.subject, SessionID: current.SessionID})
	if err != nil {
		return err
	}
	failed := make(chan error, 1)
	bc := broadcast.New(air, broadcast.Options{
		Logger: log,
		OnFailure: func(err error) {
			failed <- err
		},
	})
	if err := bc.Start(payload, mode); err != nil {
		return err
	}
	defer bc.Stop()
	log.Info("advertising identity", "subject", opts.subject, "mode", mode)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-failed:
			return fmt.Errorf("advertising stopped: %w", err)
		case ok := <-acks:
			if !ok {
				return errRejected
			}
			log.Info("attendance recorded", "subject", opts.subject, "course", current.CourseName)
			return nil
		case ann := <-announces:
			if ann.SessionID == current.SessionID && !ann.Active {
				return errEnded
			}
		}
	}
}
