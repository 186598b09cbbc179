package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttclient"
)

type subFlags struct {
	topics  []string
	qos     int
	count   int
	format  string
	noLocal bool
}

func newSubCmd(global *globalFlags) *cobra.Command {
	flags := &subFlags{}

	cmd := &cobra.Command{
		Use:   "sub",
		Short: "Subscribe to topics and print messages",
		Long: `Subscribe to one or more topic filters and print each message until
interrupted or --count messages have arrived.

Examples:
  mqttclient sub -t "sensor/#"
  mqttclient sub -t "a/+" -t "b/#" -q 1 -o json -n 10`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSub(cmd, global, flags)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&flags.topics, "topic", "t", nil, "topic filter (required, repeatable)")
	f.IntVarP(&flags.qos, "qos", "q", 0, "maximum QoS (0, 1 or 2)")
	f.IntVarP(&flags.count, "count", "n", 0, "exit after this many messages (0 = unlimited)")
	f.StringVarP(&flags.format, "output", "o", "text", "output format: text, json, raw")
	f.BoolVar(&flags.noLocal, "no-local", false, "do not receive own publications (MQTT 5.0)")

	cmd.MarkFlagRequired("topic")
	return cmd
}

type jsonMessage struct {
	Topic          string            `json:"topic"`
	Payload        string            `json:"payload"`
	QoS            byte              `json:"qos"`
	Retain         bool              `json:"retain,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	ResponseTopic  string            `json:"response_topic,omitempty"`
	UserProperties map[string]string `json:"user_properties,omitempty"`
}

// printer serialises message output from the callback goroutine.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func (p *printer) print(msg *mqttclient.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.format {
	case "raw":
		_, err := fmt.Fprintf(p.w, "%s\n", msg.Payload)
		return err
	case "json":
		out := jsonMessage{
			Topic:         msg.Topic,
			Payload:       string(msg.Payload),
			QoS:           msg.QoS,
			Retain:        msg.Retain,
			ContentType:   msg.ContentType,
			ResponseTopic: msg.ResponseTopic,
		}
		if len(msg.UserProperties) > 0 {
			out.UserProperties = make(map[string]string, len(msg.UserProperties))
			for _, up := range msg.UserProperties {
				out.UserProperties[up.Key] = up.Value
			}
		}
		return json.NewEncoder(p.w).Encode(out)
	default:
		_, err := fmt.Fprintf(p.w, "%s %s\n", msg.Topic, msg.Payload)
		return err
	}
}

func runSub(cmd *cobra.Command, global *globalFlags, flags *subFlags) error {
	qos, err := parseQoS(flags.qos)
	if err != nil {
		return err
	}
	switch flags.format {
	case "text", "json", "raw":
	default:
		return fmt.Errorf("unknown output format %q", flags.format)
	}

	subs := make([]mqttclient.Subscription, 0, len(flags.topics))
	for _, t := range flags.topics {
		if err := mqttclient.ValidateTopicFilter(t); err != nil {
			return err
		}
		subs = append(subs, mqttclient.Subscription{TopicFilter: t, QoS: qos, NoLocal: flags.noLocal})
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out := &printer{w: cmd.OutOrStdout(), format: flags.format}
	var (
		mu       sync.Mutex
		received int
	)
	handler := func(msg *mqttclient.Message) {
		if err := out.print(msg); err != nil {
			cancel()
			return
		}
		mu.Lock()
		received++
		done := flags.count > 0 && received >= flags.count
		mu.Unlock()
		if done {
			cancel()
		}
	}

	client, cleanup, err := global.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := client.SubscribeMultiple(subs, handler).WaitContext(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "subscribed to %d filter(s)\n", len(subs))

	<-ctx.Done()
	return nil
}
