package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected one of: start, stop, clear, submit, state, watch, validate, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var (
		server     string
		prefix     string
		notifySubj string
		timeout    time.Duration
		configPath string
	)
	flags := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	flags.StringVar(&server, "server", nats.DefaultURL, "NATS server URL")
	flags.StringVar(&prefix, "prefix", "dictate.screen", "Control subject prefix")
	flags.StringVar(&notifySubj, "notify-subject", "ui.notify", "Notification subject (watch)")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	flags.StringVar(&configPath, "file", "dictate.yaml", "Path to configuration file (validate)")
	_ = flags.Parse(os.Args[2:])

	var err error
	switch cmd := os.Args[1]; cmd {
	case protocol.CommandStart, protocol.CommandStop, protocol.CommandClear, protocol.CommandSubmit, protocol.CommandState:
		err = runCommand(server, control.Subject(prefix, cmd), timeout)
	case "watch":
		err = runWatch(server, control.Subject(prefix, protocol.SubjectStateChanged), notifySubj)
	case "validate":
		if _, err = config.Load(configPath); err == nil {
			fmt.Println("config valid")
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand(server, subject string, timeout time.Duration) error {
	nc, err := nats.Connect(server, nats.Name("dictatectl"))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer nc.Close()

	msg, err := nc.Request(subject, nil, timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	var reply protocol.CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	printState(reply.State)
	if !reply.OK {
		return fmt.Errorf("%s", reply.Error)
	}
	return nil
}

func runWatch(server, stateSubject, notifySubject string) error {
	nc, err := nats.Connect(server, nats.Name("dictatectl-watch"))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer nc.Close()

	if _, err := nc.Subscribe(stateSubject, func(msg *nats.Msg) {
		var state protocol.ScreenState
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			fmt.Fprintln(os.Stderr, "bad state message:", err)
			return
		}
		printState(state)
	}); err != nil {
		return err
	}
	if _, err := nc.Subscribe(notifySubject, func(msg *nats.Msg) {
		var n protocol.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			fmt.Fprintln(os.Stderr, "bad notification:", err)
			return
		}
		fmt.Printf("[%s] %s %s\n", n.Kind, n.Message, n.DocumentID)
	}); err != nil {
		return err
	}
	if err := nc.Flush(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func printState(state protocol.ScreenState) {
	fmt.Printf("phase=%s can_submit=%t transcript=%q\n", state.Phase, state.CanSubmit, state.Transcript)
}
