// Command redbtree is a thin CLI over pkg/btree: put/get/stats against a
// single on-disk tree file.
package main

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/redbtree/redbtree/pkg/btree"
	"github.com/redbtree/redbtree/pkg/rlog"
)

var (
	flagVerbose bool
	flagMaxKeys int
	log         = logrus.New()
)

// hashKey maps an arbitrary string to the engine's fixed 16-byte key space.
// The engine itself only ever sees opaque 16-byte keys; hashing a
// human-typed string down to that width is purely a CLI convenience.
func hashKey(s string) [16]byte {
	sum := sha256.Sum256([]byte(s))
	var key [16]byte
	copy(key[:], sum[:16])
	return key
}

func openTree(path string, create bool) (*btree.Tree, error) {
	flags := btree.Flags(0)
	if create {
		flags |= btree.FlagCreate
	}
	return btree.Open(path, flags, btree.Options{
		MaxKeys: flagMaxKeys,
		Logger:  rlog.FromLogrus(log),
	})
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "redbtree",
		Short: "inspect and mutate a redbtree file",
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().IntVar(&flagMaxKeys, "max-keys", 0, "branching factor; must match the value the file was created with (0 = default)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			log.SetLevel(logrus.DebugLevel)
		}
	}

	root.AddCommand(newPutCmd(), newGetCmd(), newStatsCmd())
	return root
}

func newPutCmd() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "put <file> <key> <value>",
		Short: "insert or replace a key/value pair",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, key, value := args[0], args[1], args[2]
			t, err := openTree(path, true)
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.Add(hashKey(key), []byte(value), replace); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %q\n", key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", true, "overwrite an existing value for this key")
	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <file> <key>",
		Short: "look up a key and print its value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, key := args[0], args[1]
			t, err := openTree(path, false)
			if err != nil {
				return err
			}
			defer t.Close()

			valOffset, err := t.Find(hashKey(key))
			if err != nil {
				return err
			}
			size, err := t.SizeOf(valOffset)
			if err != nil {
				return err
			}
			buf := make([]byte, size)
			if _, err := t.Pread(buf, valOffset); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(buf))
			return nil
		},
	}
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <file>",
		Short: "print allocator bookkeeping for a tree file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTree(args[0], false)
			if err != nil {
				return err
			}
			defer t.Close()

			stats := t.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "free=%d freeoff=%d\n", stats.Free, stats.FreeOff)
			return nil
		},
	}
	return cmd
}

func main() {
	log.SetLevel(logrus.InfoLevel)
	if err := newRootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
