// vbcat fetches one or more keys from a bucket and prints whether each
// was found, mirroring the option-table CLI of the original memcat
// example: flags select the bootstrap host, bucket and credentials,
// the remaining arguments are the keys to fetch.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pierrejoye/libcouchbase"
)

func main() {
	host := flag.String("h", "localhost:8091", "host:port to read the bucket configuration from")
	bucket := flag.String("b", "default", "bucket to connect to")
	user := flag.String("u", "", "username (prompts for a password on stdin if set)")
	output := flag.String("o", "-", "write results to this file instead of stdout")
	timeout := flag.Duration("t", 10*time.Second, "how long to wait for every key's response")
	flag.Parse()

	keys := flag.Args()
	if len(keys) == 0 {
		fmt.Fprintln(os.Stderr, "usage: vbcat [-h host] [-b bucket] [-u user] [-o file] key [key...]")
		os.Exit(1)
	}

	pass := ""
	if *user != "" {
		var err error
		pass, err = readPassword(*user)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vbcat: %v\n", err)
			os.Exit(1)
		}
	}

	out := os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vbcat: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	if err := run(*host, *bucket, *user, pass, keys, *timeout, out); err != nil {
		fmt.Fprintf(os.Stderr, "vbcat: %v\n", err)
		os.Exit(1)
	}
}

func readPassword(user string) (string, error) {
	fmt.Fprintf(os.Stderr, "Please enter password for %s: ", user)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", scanner.Err()
	}
	return scanner.Text(), nil
}

func run(host, bucket, user, pass string, keys []string, timeout time.Duration, out *os.File) error {
	client, err := libcouchbase.NewClient(libcouchbase.Config{
		Host:   host,
		Bucket: bucket,
		User:   user,
		Pass:   pass,
	})
	if err != nil {
		return err
	}
	defer client.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	client.SetCallbacks(libcouchbase.Callbacks{
		Get: func(_ *libcouchbase.Client, err error, key, value []byte, flags uint32, cas uint64) {
			if err != nil {
				fmt.Fprintf(out, "Missing <%s>\n", key)
				return
			}
			fmt.Fprintf(out, "Found <%s> size %d flags %04x cas %d\n", key, len(value), flags, cas)
		},
	})

	byteKeys := make([][]byte, len(keys))
	for i, k := range keys {
		byteKeys[i] = []byte(k)
	}
	if err := client.Mget(byteKeys); err != nil {
		return fmt.Errorf("mget: %w", err)
	}

	return client.Execute(ctx)
}
