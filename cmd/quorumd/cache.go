package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumd/quorumd/pkg/cacheclient"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Get, put, and delete keys on a cache-role cluster",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Read KEY from this node, broadcasting a cache_read on a local miss",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		addr, _ := cmd.Flags().GetString("addr")

		c, err := cacheclient.Dial("target", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := c.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if !resp.Hit {
			fmt.Println("miss")
			return nil
		}
		fmt.Printf("value: %s\n", resp.Value)
		fmt.Printf("state: %s\n", resp.State)
		return nil
	},
}

var cachePutCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Write KEY=VALUE, invalidating every reachable peer first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		addr, _ := cmd.Flags().GetString("addr")

		c, err := cacheclient.Dial("target", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Put(ctx, key, []byte(value)); err != nil {
			return fmt.Errorf("put: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Invalidate KEY everywhere with no replacement value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		addr, _ := cmd.Flags().GetString("addr")

		c, err := cacheclient.Dial("target", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{cacheGetCmd, cachePutCmd, cacheDeleteCmd} {
		c.Flags().String("addr", "127.0.0.1:7000", "Address of a cache-role node")
	}
	cacheCmd.AddCommand(cacheGetCmd, cachePutCmd, cacheDeleteCmd)
}
