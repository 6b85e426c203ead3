package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	DBMaxConns            int
	DBSlowQuery           time.Duration
	SlackWebhookURL       string
	NATSURL               string
	NATSSubjectPrefix     string
	RosterFile            string
	AutoTicketThreshold   int
	RetainResolved        bool
	CORSOrigins           string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = pgx default)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 0, "log only queries slower than this (0 = log every query)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for ticket dispatch notifications")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for automation events (empty = disabled)")
	fs.StringVar(&c.NATSSubjectPrefix, "nats-subject-prefix", "solarwatch.automation", "subject prefix for automation events")
	fs.StringVar(&c.RosterFile, "roster-file", "", "YAML technician and panel roster seeded at startup")
	fs.IntVar(&c.AutoTicketThreshold, "auto-ticket-threshold", 3, "dusty panels in one scan at which a low-priority automated ticket is raised to medium (>= 1)")
	fs.BoolVar(&c.RetainResolved, "retain-resolved-tickets", false, "keep resolved and closed tickets instead of deleting them")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "", "comma-separated origins allowed to call the API from a browser")
}

// AllowedOrigins splits CORSOrigins into a trimmed list.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 0)", c.DBMaxConns))
	}
	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must be >= 0)", c.DBSlowQuery))
	}

	if c.AutoTicketThreshold < 1 {
		errs = append(errs, fmt.Errorf("invalid AUTO_TICKET_THRESHOLD %d (must be >= 1)", c.AutoTicketThreshold))
	}

	if c.SlackWebhookURL != "" {
		if u, err := url.Parse(c.SlackWebhookURL); err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an https URL"))
		}
	}

	// Subjects are dot-separated tokens, wildcards are not publishable
	if c.NATSURL != "" && (c.NATSSubjectPrefix == "" || strings.ContainsAny(c.NATSSubjectPrefix, "*> \t")) {
		errs = append(errs, fmt.Errorf("invalid NATS_SUBJECT_PREFIX %q", c.NATSSubjectPrefix))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
