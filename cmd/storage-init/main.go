// Command storage-init creates the rooms table and an empty document for
// every configured room. It is safe to run repeatedly.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"boxboard/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	table := os.Getenv("ROOMS_TABLE")
	if table == "" {
		table = "Rooms"
	}

	ctx := context.Background()
	if err := createTable(ctx, connStr, table); err != nil {
		log.Fatalf("create table: %v", err)
	}

	client, err := storage.NewTableClient(connStr, table)
	if err != nil {
		log.Fatalf("table client: %v", err)
	}
	backend := storage.NewTableBackend(client, 0, log.StandardLogger())
	for _, room := range strings.Split(os.Getenv("ROOMS"), ",") {
		room = strings.TrimSpace(room)
		if room == "" {
			continue
		}
		if err := backend.Ensure(ctx, room); err != nil {
			log.Fatalf("ensure room %s: %v", room, err)
		}
		log.WithField("room", room).Debug("room document ready")
	}

	log.Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}
