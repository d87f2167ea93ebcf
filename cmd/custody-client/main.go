// Command custody-client encrypts files locally before upload and decrypts
// them after download, so the service only ever sees ciphertext.
package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/pkg/clientcrypto"
)

const usage = `usage: custody-client [flags] <command> [args]

commands:
  encrypt-upload <file>       encrypt a file locally and upload the ciphertext
  fetch <fileId> <output>     download a client-encrypted file and decrypt it

environment:
  CUSTODY_URL    base URL of the service (default http://localhost:8080)
  CUSTODY_TOKEN  bearer token for the caller
`

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	_ = godotenv.Load()

	baseURL := flag.String("url", envOr("CUSTODY_URL", "http://localhost:8080"), "service base URL")
	token := flag.String("token", os.Getenv("CUSTODY_TOKEN"), "bearer token")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall request timeout")
	retries := flag.Uint("retries", 3, "attempts for transient failures")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if *token == "" {
		logger.Fatal("A bearer token is required (set CUSTODY_TOKEN or -token)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := clientcrypto.NewClient(*baseURL, *token, clientcrypto.WithMaxTries(*retries))

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "encrypt-upload":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = encryptUpload(ctx, client, args[1], logger)
	case "fetch":
		if len(args) != 3 {
			flag.Usage()
			os.Exit(2)
		}
		err = fetch(ctx, client, args[1], args[2], logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}

func encryptUpload(ctx context.Context, client *clientcrypto.Client, path string, logger *logrus.Logger) error {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	enc, err := clientcrypto.EncryptFile(name, mimeType, plaintext)
	clear(plaintext)
	if err != nil {
		return err
	}
	defer enc.Zero()

	res, err := client.Upload(ctx, enc)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"file_id":        res.FileID,
		"original_size":  res.OriginalSize,
		"encrypted_size": res.EncryptedSize,
	}).Info("Uploaded client-encrypted file")
	fmt.Println(res.FileID)
	return nil
}

func fetch(ctx context.Context, client *clientcrypto.Client, fileID, out string, logger *logrus.Logger) error {
	plaintext, err := client.FetchAndDecrypt(ctx, fileID)
	if err != nil {
		return err
	}
	defer clear(plaintext)

	if err := os.WriteFile(out, plaintext, 0o600); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"file_id": fileID,
		"bytes":   len(plaintext),
		"output":  out,
	}).Info("Downloaded and decrypted file")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
