package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/database"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
)

const defaultMigrationsDir = "internal/infrastructure/database/migrations"

var migrationName = regexp.MustCompile(`^[a-z0-9_]+$`)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "Path to configuration file")
		action     = fs.String("action", "up", "Migration action: up, down, version, create")
		name       = fs.String("name", "", "Migration name (for create action)")
		steps      = fs.Int("steps", 0, "Number of migrations to run (0 = all pending for up, one for down)")
		dir        = fs.String("dir", defaultMigrationsDir, "Migrations directory (for create action)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *action == "create" {
		up, down, err := createMigration(*dir, *name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s\ncreated %s\n", up, down)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return migrate(cfg.Database.URL, *action, *steps, out, logger)
}

func migrate(url, action string, steps int, out io.Writer, logger *zap.Logger) error {
	m, err := database.NewMigrator(url, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("closing migrator", zap.Error(err))
		}
	}()

	switch action {
	case "up":
		err = m.Up(steps)
	case "down":
		if steps <= 0 {
			steps = 1
		}
		err = m.Down(steps)
	case "version":
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}

	version, dirty, ok, err := m.Version()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "no migrations applied")
		return nil
	}
	fmt.Fprintf(out, "version %d", version)
	if dirty {
		fmt.Fprint(out, " (dirty)")
	}
	fmt.Fprintln(out)
	return nil
}

// createMigration writes an empty up/down pair numbered after the highest
// existing migration in dir.
func createMigration(dir, name string) (string, string, error) {
	if !migrationName.MatchString(name) {
		return "", "", fmt.Errorf("migration name must match %s", migrationName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create migrations directory: %w", err)
	}
	next, err := nextSequence(dir)
	if err != nil {
		return "", "", err
	}

	base := filepath.Join(dir, fmt.Sprintf("%06d_%s", next, name))
	up, down := base+".up.sql", base+".down.sql"
	for _, f := range []string{up, down} {
		content := fmt.Sprintf("-- %s\n\n", filepath.Base(f))
		if err := os.WriteFile(f, []byte(content), 0o644); err != nil {
			return "", "", fmt.Errorf("failed to create migration file: %w", err)
		}
	}
	return up, down, nil
}

func nextSequence(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var seen []int
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		n, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		seen = append(seen, n)
	}
	if len(seen) == 0 {
		return 1, nil
	}
	sort.Ints(seen)
	return seen[len(seen)-1] + 1, nil
}
