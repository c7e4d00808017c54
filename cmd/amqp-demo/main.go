package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"pack.ag/amqp"
)

func main() {
	var (
		addr     = pflag.StringP("addr", "a", "amqp://localhost:5672", "AMQP server address")
		source   = pflag.StringP("source", "s", "/demo", "receiver source address")
		username = pflag.String("username", "", "SASL PLAIN username")
		password = pflag.String("password", "", "SASL PLAIN password")
		credit   = pflag.Uint32("credit", 16, "receiver link credit")
		timeout  = pflag.Duration("timeout", 10*time.Second, "receive timeout per message")
	)
	pflag.Parse()

	var opts []amqp.ConnOption
	if *username != "" {
		opts = append(opts, amqp.ConnSASLPlain("", *username, *password))
	}

	client, err := amqp.Dial(*addr, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "new session: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	receiver, err := sess.NewReceiver(
		amqp.LinkSourceAddress(*source),
		amqp.LinkCredit(*credit),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "new receiver: %v\n", err)
		os.Exit(1)
	}
	defer receiver.Close()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		msg, err := receiver.Receive(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "receive: %v\n", err)
			return
		}

		fmt.Printf("received: %s\n", msg.GetData())
		msg.Accept()
	}
}
