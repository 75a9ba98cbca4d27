package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jordanlanch/dripline/config"
	"github.com/jordanlanch/dripline/pkg/auth"
	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/jordanlanch/dripline/pkg/domain"
	"github.com/jordanlanch/dripline/pkg/email"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/jordanlanch/dripline/pkg/logger"
	"github.com/jordanlanch/dripline/pkg/users"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "sequencectl",
		Usage: "operate the drip sequence engine from a shell or a cron entry",

		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "create missing tables and indexes",
				Action: migrate,
			},
			{
				Name:  "run-due",
				Usage: "send every step that is due",
				Flags: []cli.Flag{
					&cli.TimestampFlag{Name: "now", Layout: time.RFC3339, Usage: "evaluate due steps at this instant"},
				},
				Action: runDue,
			},
			{
				Name:  "import-steps",
				Usage: "replace the steps of a sequence from a JSON file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "slug", Required: true},
					&cli.PathFlag{Name: "file", Required: true, Usage: "JSON array of steps, or {\"steps\": [...]}"},
				},
				Action: importSteps,
			},
			{
				Name:  "enroll",
				Usage: "enroll a user into a sequence",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sequence", Required: true, Usage: "sequence id or slug"},
					&cli.Int64Flag{Name: "user", Usage: "user id"},
					&cli.StringFlag{Name: "email", Usage: "user email, used when --user is not set"},
					&cli.BoolFlag{Name: "send-immediately", Usage: "dispatch the first step now"},
				},
				Action: enroll,
			},
			{
				Name:  "seed-users",
				Usage: "insert fake recipients for local testing",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Value: 10},
					&cli.StringFlag{Name: "tag", Usage: "apply this tag to each user, triggering its sequences"},
				},
				Action: seedUsers,
			},
			{
				Name:  "token",
				Usage: "issue an API token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "role", Value: auth.RoleOperator, Usage: "admin or operator"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: token,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type env struct {
	cfg      *config.Config
	db       *database.Client
	users    *users.Store
	sequence *emailsequence.Service
}

func open(c *cli.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(c.Context, cfg.DatabaseDriver, cfg.DatabaseURL, &database.SSLConfig{
		Mode:         cfg.DBSSLMode,
		CertPath:     cfg.DBSSLCertPath,
		KeyPath:      cfg.DBSSLKeyPath,
		RootCertPath: cfg.DBSSLRootCertPath,
	})
	if err != nil {
		return nil, err
	}

	appLog := logger.NewWithWriter(os.Stderr, cfg.LogLevel, "text")
	sender := email.NewSender(email.Options{
		FromEmail:      cfg.EmailFrom,
		FromName:       cfg.EmailFromName,
		SendGridAPIKey: cfg.SendGridAPIKey,
		SMTPHost:       cfg.SMTPHost,
		SMTPPort:       cfg.SMTPPort,
		SMTPUser:       cfg.SMTPUser,
		SMTPPassword:   cfg.SMTPPassword,
	}, appLog)

	userStore := users.NewStore(db)
	svc := emailsequence.NewService(db, userStore, sender, emailsequence.Config{
		BaseURL:       cfg.AppBaseURL,
		BatchSize:     cfg.SchedulerBatchSize,
		Concurrency:   cfg.SchedulerConcurrency,
		Lease:         cfg.SchedulerLease,
		RatePerSecond: cfg.EmailRatePerSecond,
	}, appLog)

	return &env{cfg: cfg, db: db, users: userStore, sequence: svc}, nil
}

func migrate(c *cli.Context) error {
	// Open applies migrations
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.db.Close()

	fmt.Println("schema up to date")
	return nil
}

func runDue(c *cli.Context) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.db.Close()

	now := time.Now()
	if ts := c.Timestamp("now"); ts != nil {
		now = *ts
	}

	ctx, cancel := context.WithTimeout(c.Context, e.cfg.SchedulerLease)
	defer cancel()

	summary, err := e.sequence.RunDueSteps(ctx, now)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func importSteps(c *cli.Context) error {
	steps, err := readSteps(c.Path("file"))
	if err != nil {
		return err
	}

	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.db.Close()

	imported, err := e.sequence.ImportSteps(c.Context, c.String("slug"), steps)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d steps into %s\n", len(imported), c.String("slug"))
	return nil
}

// readSteps accepts either a bare array or the API request body
func readSteps(path string) ([]emailsequence.StepInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var steps []emailsequence.StepInput
		if err := json.Unmarshal(raw, &steps); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return steps, nil
	}

	var req emailsequence.ImportStepsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return req.Steps, nil
}

func enroll(c *cli.Context) error {
	if !c.IsSet("user") && c.String("email") == "" {
		return errors.New("one of --user or --email is required")
	}

	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.db.Close()

	seq, err := e.sequence.ResolveSequence(c.Context, c.String("sequence"))
	if err != nil {
		return err
	}

	opts := emailsequence.EnrollOptions{SendImmediately: c.Bool("send-immediately")}

	var result *emailsequence.EnrollResult
	if c.IsSet("user") {
		result, err = e.sequence.Enroll(c.Context, c.Int64("user"), seq.ID, opts)
	} else {
		result, err = e.sequence.EnrollByEmail(c.Context, c.String("email"), seq.ID, opts)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func seedUsers(c *cli.Context) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.db.Close()

	tag := c.String("tag")
	created := 0
	for i := 0; i < c.Int("count"); i++ {
		u, err := e.users.Create(c.Context, users.CreateUserRequest{
			Email:     gofakeit.Email(),
			FirstName: gofakeit.FirstName(),
			LastName:  gofakeit.LastName(),
		})
		if domain.IsConflict(err) {
			continue
		}
		if err != nil {
			return err
		}
		created++

		if tag != "" {
			if _, err := e.sequence.ApplyTag(c.Context, u.ID, tag); err != nil {
				return fmt.Errorf("tag user %d: %w", u.ID, err)
			}
		}
	}

	fmt.Printf("created %d users\n", created)
	return nil
}

func token(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tok, err := auth.GenerateJWT(c.String("email"), c.String("role"), cfg.JWTSecret, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
