// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/craftlist/craftlist/relay"
	"github.com/craftlist/craftlist/relay/mysql"
	"github.com/craftlist/craftlist/util"
	"github.com/craftlist/craftlist/votifier"
	_ "github.com/go-sql-driver/mysql"
	"github.com/robfig/cron"
)

// loadFixedKey loads the PEM encoded RSA public key that is used for fixed
// key votifier targets. This is installation specific key material, so it is
// loaded from configuration rather than embedded in the source.
func loadFixedKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %v", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %v: %v", path, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%v is not an RSA public key", path)
	}
	return rsaPub, nil
}

// connectDB opens the MySQL connection for the vote store and verifies it is
// reachable.
func connectDB(cfg *config) (*sql.DB, error) {
	dsn := fmt.Sprintf("%v:%v@tcp(%v)/%v", cfg.DBUser, cfg.DBPass,
		cfg.DBHost, cfg.DBName)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		30*time.Second)
	defer cancel()
	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// processPending runs one batch of the vote relay reprocessor and logs the
// result. Batch failures are logged, not fatal; the votes simply stay
// pending until the next scheduled run.
func processPending(r *relay.Reprocessor) {
	stats, err := r.ProcessPending(context.Background())
	if err != nil {
		log.Errorf("ProcessPending: %v", err)
		if t, ok := util.StackTrace(err); ok {
			log.Debugf("Stacktrace: %v", t)
		}
		return
	}
	if stats.Processed == 0 {
		return
	}
	log.Infof("Relay batch done: %v processed, %v successful, %v failed",
		stats.Processed, stats.Successful, stats.Failed)
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", cfg.Version)
	log.Infof("Home dir: %v", cfg.HomeDir)

	// Load the fixed key, if one is configured. Without it, relay
	// attempts against fixed key targets fail with an encoding error
	// instead of silently encrypting with the wrong key.
	var fixedKey *rsa.PublicKey
	if cfg.FixedKeyFile != "" {
		fixedKey, err = loadFixedKey(cfg.FixedKeyFile)
		if err != nil {
			return fmt.Errorf("load fixed key: %v", err)
		}
		log.Infof("Fixed key: %v (%v bits)", cfg.FixedKeyFile,
			fixedKey.N.BitLen())
	} else {
		log.Infof("Fixed key: not configured")
	}

	// Setup the vote store.
	log.Infof("Database: %v@%v/%v", cfg.DBUser, cfg.DBHost, cfg.DBName)
	db, err := connectDB(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %v", err)
	}
	defer db.Close()
	store, err := mysql.New(db, nil)
	if err != nil {
		return fmt.Errorf("setup vote store: %v", err)
	}

	// Setup the votifier client and the batch reprocessor.
	client := votifier.New(&votifier.Opts{
		ServiceName: cfg.ServiceName,
		Timeout:     time.Duration(cfg.RelayTimeout) * time.Second,
		FixedKey:    fixedKey,
	})
	reprocessor := relay.New(client, store, &relay.Opts{
		Concurrency: int(cfg.Concurrency),
	})

	// Run one batch at startup to pick up votes that accumulated while
	// the daemon was down, then launch the cron schedule.
	processPending(reprocessor)

	log.Infof("Relay schedule: %v", cfg.Schedule)
	c := cron.New()
	err = c.AddFunc(cfg.Schedule, func() {
		processPending(reprocessor)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %v", cfg.Schedule, err)
	}
	c.Start()

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("Terminating with %v", sig)

	c.Stop()

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
