package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"maccal/internal/calendar"
	"maccal/internal/config"
	"maccal/internal/google"
	"maccal/internal/icloud"
	"maccal/internal/models"
	"maccal/internal/store"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:  "maccal",
		Usage: "Read and edit calendar events through a validated provider interface.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to a TOML config file (default: " + config.DefaultFile + " if present)."},
			&cli.StringFlag{Name: "provider", Usage: "Calendar provider: caldav, google or local. Overrides PROVIDER."},
		},
		Writer: out,
		Commands: []*cli.Command{
			statusCommand(),
			requestAccessCommand(),
			listCommand(),
			findCommand(),
			addCommand(),
			updateCommand(),
			deleteCommand(),
			checkCommand(),
			authCommand(),
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the current calendar authorization status.",
		Action: withFacade(func(c *cli.Context, f *calendar.Facade) error {
			status, err := f.GetAuthStatus(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, status)
			return nil
		}),
	}
}

func requestAccessCommand() *cli.Command {
	return &cli.Command{
		Name:  "request-access",
		Usage: "Ask the provider for calendar access and print the resulting status.",
		Action: withFacade(func(c *cli.Context, f *calendar.Facade) error {
			status, err := f.RequestAccess(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, status)
			return nil
		}),
	}
}

func rangeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "start", Usage: "Range start as an ISO 8601 date (default: start of today)."},
		&cli.StringFlag{Name: "end", Usage: "Range end as an ISO 8601 date (default: start + 7 days)."},
	}
}

// rangeArgs returns the --start/--end strings as given, or structured
// defaults for the current week.
func rangeArgs(c *cli.Context) (any, any) {
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var start, end any = today, today.AddDate(0, 0, 7)
	if c.IsSet("start") {
		start = c.String("start")
	}
	if c.IsSet("end") {
		end = c.String("end")
	}
	return start, end
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List events in a date range.",
		Flags: rangeFlags(),
		Action: withFacade(func(c *cli.Context, f *calendar.Facade) error {
			start, end := rangeArgs(c)
			events, err := f.GetAllEvents(c.Context, start, end)
			if err != nil {
				return err
			}
			return printEvents(c.App.Writer, events)
		}),
	}
}

func findCommand() *cli.Command {
	return &cli.Command{
		Name:  "find",
		Usage: "List events whose title contains a name.",
		Flags: append(rangeFlags(), &cli.StringFlag{Name: "name", Required: true, Usage: "Text to look for in event titles."}),
		Action: withFacade(func(c *cli.Context, f *calendar.Facade) error {
			start, end := rangeArgs(c)
			events, err := f.GetEventsByName(c.Context, c.String("name"), start, end)
			if err != nil {
				return err
			}
			return printEvents(c.App.Writer, events)
		}),
	}
}

func eventFlags(required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "title", Required: required, Usage: "Event title."},
		&cli.StringFlag{Name: "start", Required: required, Usage: "Start as an ISO 8601 date."},
		&cli.StringFlag{Name: "end", Required: required, Usage: "End as an ISO 8601 date."},
		&cli.StringFlag{Name: "location", Usage: "Event location."},
		&cli.StringFlag{Name: "notes", Usage: "Event notes."},
		&cli.BoolFlag{Name: "all-day", Usage: "Mark the event as spanning whole days."},
	}
}

// recordFromFlags copies only the flags the user set, so updates stay partial.
func recordFromFlags(c *cli.Context) models.Record {
	r := models.Record{}
	for flag, key := range map[string]string{
		"title":    models.KeyTitle,
		"start":    models.KeyStartDate,
		"end":      models.KeyEndDate,
		"location": models.KeyLocation,
		"notes":    models.KeyNotes,
	} {
		if c.IsSet(flag) {
			r[key] = c.String(flag)
		}
	}
	if c.IsSet("all-day") {
		r[models.KeyAllDay] = c.Bool("all-day")
	}
	return r
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Create a new event.",
		Flags: eventFlags(true),
		Action: withFacade(func(c *cli.Context, f *calendar.Facade) error {
			ok, err := f.AddNewEvent(c.Context, recordFromFlags(c))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, ok)
			return nil
		}),
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Change fields of an existing event.",
		Flags: append(eventFlags(false), &cli.StringFlag{Name: "id", Required: true, Usage: "Event identifier."}),
		Action: withFacade(func(c *cli.Context, f *calendar.Facade) error {
			r := recordFromFlags(c)
			r[models.KeyIdentifier] = c.String("id")
			ok, err := f.UpdateEvent(c.Context, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, ok)
			return nil
		}),
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete an event.",
		Flags: []cli.Flag{&cli.StringFlag{Name: "id", Required: true, Usage: "Event identifier."}},
		Action: withFacade(func(c *cli.Context, f *calendar.Facade) error {
			ok, err := f.DeleteEvent(c.Context, c.String("id"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, ok)
			return nil
		}),
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Run a create/list/find/update/delete cycle against the provider.",
		Action: withFacade(func(c *cli.Context, f *calendar.Facade) error {
			logger := slog.Default()
			return runCheck(c.Context, logger, f, time.Now())
		}),
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			accountName := cfg.Google.Account
			if accountName == "" {
				fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
				accountName, _ = reader.ReadString('\n')
				accountName = strings.TrimSpace(accountName)
			}
			tokenFile := google.TokenPath(cfg.Google.TokenDir, accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("provider") {
		cfg.Provider = strings.ToLower(c.String("provider"))
	}
	return cfg, nil
}

// withFacade builds the configured provider, wraps it in a Facade and closes
// it after action returns.
func withFacade(action func(*cli.Context, *calendar.Facade) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := setupLogger(cfg.LogLevel)
		slog.SetDefault(logger)

		provider, closeFn, err := newProvider(c, logger, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		return action(c, calendar.New(logger, provider))
	}
}

func newProvider(c *cli.Context, logger *slog.Logger, cfg *config.Config) (calendar.Provider, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Provider {
	case config.ProviderCalDAV:
		p, err := icloud.NewClient(logger, icloud.Options{
			Endpoint:     cfg.CalDAV.URL,
			Username:     cfg.CalDAV.Username,
			Password:     cfg.CalDAV.Password,
			CalendarName: cfg.CalDAV.Calendar,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		return p, noop, nil

	case config.ProviderGoogle:
		account := cfg.Google.Account
		if account == "" {
			accounts, err := google.GetTokenAccounts(cfg.Google.TokenDir)
			if err == nil && len(accounts) == 1 {
				account = accounts[0]
			}
		}
		p, err := google.NewClient(c.Context, logger, google.Options{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Account:      account,
			CalendarID:   cfg.Google.CalendarID,
			TokenDir:     cfg.Google.TokenDir,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create google client: %w", err)
		}
		return p, noop, nil

	case config.ProviderLocal:
		s, err := store.Open(logger, cfg.Local.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported provider type: %s", cfg.Provider)
}

func printEvents(w io.Writer, events []models.Record) error {
	if events == nil {
		events = []models.Record{}
	}
	return printJSON(w, events)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
