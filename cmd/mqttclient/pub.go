package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttclient"
)

type pubFlags struct {
	topic           string
	message         string
	file            string
	stdin           bool
	qos             int
	retain          bool
	count           int
	interval        time.Duration
	contentType     string
	responseTopic   string
	correlationData string
	userProps       []string
	messageExpiry   uint32
}

func newPubCmd(global *globalFlags) *cobra.Command {
	flags := &pubFlags{}

	cmd := &cobra.Command{
		Use:   "pub",
		Short: "Publish messages to a topic",
		Long: `Publish one or more messages. The payload comes from --message, --file
or standard input with --stdin. A "{n}" in the payload is replaced by the
message sequence number.

Examples:
  mqttclient pub -t "config/device1" -m '{"enabled":true}' -q 1 --retain
  mqttclient pub -t "heartbeat" -m "ping {n}" -n 100 -i 1s
  echo hello | mqttclient pub -t test --stdin`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPub(cmd, global, flags)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.topic, "topic", "t", "", "topic to publish to (required)")
	f.StringVarP(&flags.message, "message", "m", "", "message payload")
	f.StringVarP(&flags.file, "file", "f", "", "read payload from file")
	f.BoolVar(&flags.stdin, "stdin", false, "read payload from standard input")
	f.IntVarP(&flags.qos, "qos", "q", 0, "QoS level (0, 1 or 2)")
	f.BoolVarP(&flags.retain, "retain", "r", false, "retain message")
	f.IntVarP(&flags.count, "count", "n", 1, "number of messages to publish")
	f.DurationVarP(&flags.interval, "interval", "i", 0, "interval between messages")
	f.StringVar(&flags.contentType, "content-type", "", "content type (MQTT 5.0)")
	f.StringVar(&flags.responseTopic, "response-topic", "", "response topic (MQTT 5.0)")
	f.StringVar(&flags.correlationData, "correlation-data", "", "correlation data (MQTT 5.0)")
	f.StringArrayVar(&flags.userProps, "user-prop", nil, "user property key=value (MQTT 5.0, repeatable)")
	f.Uint32Var(&flags.messageExpiry, "message-expiry", 0, "message expiry interval in seconds (MQTT 5.0)")

	cmd.MarkFlagRequired("topic")
	return cmd
}

func (f *pubFlags) payload(stdin io.Reader) ([]byte, error) {
	switch {
	case f.file != "":
		return os.ReadFile(f.file)
	case f.stdin:
		return io.ReadAll(stdin)
	default:
		return []byte(f.message), nil
	}
}

func parseUserProps(props []string) ([]mqttclient.StringPair, error) {
	out := make([]mqttclient.StringPair, 0, len(props))
	for _, p := range props {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid user property %q, expected key=value", p)
		}
		out = append(out, mqttclient.StringPair{Key: k, Value: v})
	}
	return out, nil
}

func parseQoS(qos int) (byte, error) {
	if qos < 0 || qos > 2 {
		return 0, errors.New("qos must be 0, 1 or 2")
	}
	return byte(qos), nil
}

func runPub(cmd *cobra.Command, global *globalFlags, flags *pubFlags) error {
	if err := mqttclient.ValidateTopicName(flags.topic); err != nil {
		return err
	}
	qos, err := parseQoS(flags.qos)
	if err != nil {
		return err
	}
	props, err := parseUserProps(flags.userProps)
	if err != nil {
		return err
	}
	payload, err := flags.payload(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	client, cleanup, err := global.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	count := max(flags.count, 1)
	for i := 1; i <= count; i++ {
		msg := &mqttclient.Message{
			Topic:          flags.topic,
			Payload:        []byte(strings.ReplaceAll(string(payload), "{n}", fmt.Sprint(i))),
			QoS:            qos,
			Retain:         flags.retain,
			ContentType:    flags.contentType,
			ResponseTopic:  flags.responseTopic,
			MessageExpiry:  flags.messageExpiry,
			UserProperties: props,
		}
		if flags.correlationData != "" {
			msg.CorrelationData = []byte(flags.correlationData)
		}

		if err := client.Publish(msg).WaitContext(ctx); err != nil {
			return fmt.Errorf("publish %d: %w", i, err)
		}

		if i < count && flags.interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(flags.interval):
			}
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "published %d message(s) to %s\n", count, flags.topic)
	return nil
}
