package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumd/quorumd/pkg/queueclient"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Enqueue, dequeue, and ack messages on a queue-role cluster",
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue QUEUE_NAME PAYLOAD",
	Short: "Enqueue PAYLOAD onto QUEUE_NAME, forwarding to the ring owner if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName, payload := args[0], args[1]
		addr, _ := cmd.Flags().GetString("addr")

		c, err := queueclient.Dial("target", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msgID, err := c.Enqueue(ctx, queueName, []byte(payload))
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		fmt.Printf("msg_id: %s\n", msgID)
		return nil
	},
}

var queueDequeueCmd = &cobra.Command{
	Use:   "dequeue QUEUE_NAME",
	Short: "Dequeue the head message of QUEUE_NAME from its owning node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := args[0]
		addr, _ := cmd.Flags().GetString("addr")

		c, err := queueclient.Dial("target", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.Dequeue(ctx, queueName)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		switch {
		case resp.WrongNode:
			fmt.Printf("wrong node, owner hint: %s\n", resp.OwnerHint)
		case resp.Empty:
			fmt.Println("queue empty")
		default:
			fmt.Printf("msg_id:        %s\n", resp.MsgID)
			fmt.Printf("payload:       %s\n", resp.Payload)
			fmt.Printf("delivery_time: %s\n", resp.DeliveryTime.Format(time.RFC3339))
			fmt.Printf("attempt:       %d\n", resp.AttemptCount)
		}
		return nil
	},
}

var queueAckCmd = &cobra.Command{
	Use:   "ack QUEUE_NAME MSG_ID",
	Short: "Acknowledge MSG_ID, dropping it from in-flight tracking",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName, msgID := args[0], args[1]
		addr, _ := cmd.Flags().GetString("addr")

		c, err := queueclient.Dial("target", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Ack(ctx, queueName, msgID); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{queueEnqueueCmd, queueDequeueCmd, queueAckCmd} {
		c.Flags().String("addr", "127.0.0.1:7000", "Address of a queue-role node")
	}
	queueCmd.AddCommand(queueEnqueueCmd, queueDequeueCmd, queueAckCmd)
}
