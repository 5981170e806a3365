// main.go - Admin control tool for mediasync
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
	"gorm.io/gorm"

	"mediasync/internal"
	"mediasync/internal/accounts"
	"mediasync/internal/settings"
	msync "mediasync/internal/sync"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&AddAccountCommand{},
	&ListAccountsCommand{},
	&ToggleAccountCommand{enable: true},
	&ToggleAccountCommand{enable: false},
	&PullCommand{},
	&MigrateCommand{},
	&StatusCommand{},
	&HelpCommand{},
}

func main() {
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	app, err := internal.NewApp()
	if err != nil {
		log.Printf("Warning: Failed to initialize app: %v", err)
		log.Println("Proceeding with limited functionality...")
	}

	defer func() {
		if app != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.Printf("Warning: Cleanup error: %v", err)
			}
		}
	}()

	if err := cmd.Execute(ctx, app, args); err != nil {
		log.Fatalf("Command failed: %v", err)
	}

	log.Printf("Command %s completed successfully", cmd.Name())
}

// AddAccountCommand registers a media account with its credentials.
// Secrets are prompted on the terminal so they never land in shell history.
type AddAccountCommand struct{}

func (c *AddAccountCommand) Name() string        { return "add-account" }
func (c *AddAccountCommand) Description() string { return "Registers a media account" }

func (c *AddAccountCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("add-account", flag.ContinueOnError)
	provider := fs.String("provider", "", "provider: facebook, google, bing or snapchat")
	name := fs.String("name", "", "display name for the account")
	clientID := fs.String("client-id", "", "OAuth client id (optional for some providers)")
	filter := fs.String("filter", "", "comma separated provider account ids to restrict the pull to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := accounts.ParseProvider(*provider)
	if err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("name is required")
	}

	db := appDB(app)
	if db == nil {
		return fmt.Errorf("app initialization failed, cannot connect to database")
	}

	clientSecret, err := promptSecret("Client secret (empty to skip): ")
	if err != nil {
		return err
	}
	token, err := promptSecret("Access token: ")
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("access token is required")
	}
	refreshToken, err := promptSecret("Refresh token (empty to skip): ")
	if err != nil {
		return err
	}

	account := &accounts.MediaAccount{
		Name:          *name,
		Provider:      p,
		ClientID:      *clientID,
		ClientSecret:  clientSecret,
		Token:         token,
		RefreshToken:  refreshToken,
		AccountFilter: *filter,
		Enabled:       true,
	}
	if err := accounts.CreateAccount(db, account); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	fmt.Printf("Created %s account %q with id %d\n", p, account.Name, account.ID)
	return nil
}

// ListAccountsCommand prints the configured accounts without credentials.
type ListAccountsCommand struct{}

func (c *ListAccountsCommand) Name() string        { return "list-accounts" }
func (c *ListAccountsCommand) Description() string { return "Lists configured media accounts" }

func (c *ListAccountsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	db := appDB(app)
	if db == nil {
		return fmt.Errorf("app initialization failed, cannot connect to database")
	}

	all, err := accounts.GetAllAccounts(db)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(all) == 0 {
		fmt.Println("No media accounts configured")
		return nil
	}

	for _, a := range all {
		state := "enabled"
		if !a.Enabled {
			state = "disabled"
		}
		lastSync := "never"
		if a.LastSyncedAt != nil {
			lastSync = a.LastSyncedAt.Format(time.RFC3339)
		}
		fmt.Printf("%4d  %-9s  %-10s  last sync %s  %s\n", a.ID, a.Provider, state, lastSync, a.Name)
	}
	return nil
}

// ToggleAccountCommand enables or disables an account for sync.
type ToggleAccountCommand struct {
	enable bool
}

func (c *ToggleAccountCommand) Name() string {
	if c.enable {
		return "enable-account"
	}
	return "disable-account"
}

func (c *ToggleAccountCommand) Description() string {
	if c.enable {
		return "Enables an account for syncing"
	}
	return "Disables an account, skipping it in scheduled syncs"
}

func (c *ToggleAccountCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <account-id>", c.Name())
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid account id %q", args[0])
	}

	db := appDB(app)
	if db == nil {
		return fmt.Errorf("app initialization failed, cannot connect to database")
	}

	account, err := accounts.GetAccountByID(db, uint(id))
	if err != nil {
		return err
	}
	account.Enabled = c.enable
	if err := accounts.UpdateAccount(db, account); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	state := "disabled"
	if c.enable {
		state = "enabled"
	}
	fmt.Printf("Account %d is now %s\n", account.ID, state)
	return nil
}

// PullCommand runs a sync over a date range without the HTTP server.
type PullCommand struct{}

func (c *PullCommand) Name() string        { return "pull" }
func (c *PullCommand) Description() string { return "Pulls spend data for a date range" }

func (c *PullCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ContinueOnError)
	fromFlag := fs.String("from", "", "start date YYYY-MM-DD (default: lookback window)")
	toFlag := fs.String("to", "", "end date YYYY-MM-DD (default: today)")
	accountFlag := fs.Uint("account", 0, "sync a single media account id")
	lookback := fs.Int("lookback", 3, "days to look back when --from is not given")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if app == nil {
		return fmt.Errorf("app initialization failed, cannot pull")
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -*lookback)
	to := now
	var err error
	if *fromFlag != "" {
		if from, err = time.Parse("2006-01-02", *fromFlag); err != nil {
			return fmt.Errorf("invalid --from date: %w", err)
		}
	}
	if *toFlag != "" {
		if to, err = time.Parse("2006-01-02", *toFlag); err != nil {
			return fmt.Errorf("invalid --to date: %w", err)
		}
	}
	if to.Before(from) {
		return fmt.Errorf("--to must not be before --from")
	}

	var outcomes []msync.AccountOutcome
	if *accountFlag != 0 {
		outcomes, err = app.Runner.SyncAccounts(ctx, []uint{*accountFlag}, from, to)
	} else {
		outcomes, err = app.Runner.SyncAll(ctx, from, to)
	}
	if err != nil {
		return err
	}

	aborted := 0
	for _, o := range outcomes {
		if o.Err != nil {
			aborted++
			fmt.Printf("account %d (%s): ABORTED: %v\n", o.MediaAccountID, o.Provider, o.Err)
			continue
		}
		fmt.Printf("account %d (%s): %s, %d stats, %.2f spend\n",
			o.MediaAccountID, o.Provider, o.Result.State, o.Result.StatsWritten, o.Result.Spend)
	}
	if aborted > 0 {
		return fmt.Errorf("%d of %d accounts aborted", aborted, len(outcomes))
	}
	return nil
}

// StatusCommand implements a command to check the system status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows the current system status" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("cannot check status: app initialization failed")
	}

	db := app.DBManager.GetConnection()

	var accountCount int64
	if err := db.Model(&accounts.MediaAccount{}).Count(&accountCount).Error; err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	var sessionCount int64
	if err := db.Model(&msync.PullSession{}).Count(&sessionCount).Error; err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	log.Println("System Status:")
	log.Println("- Database: Connected")
	log.Printf("- Media accounts: %d", accountCount)
	log.Printf("- Pull sessions: %d", sessionCount)
	log.Printf("- Sync paused: %v", settings.IsSyncPaused(db))

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}

	log.Printf("- Max Open Connections: %d", sqlDB.Stats().MaxOpenConnections)
	log.Printf("- Open Connections: %d", sqlDB.Stats().OpenConnections)
	log.Printf("- In Use: %d", sqlDB.Stats().InUse)
	log.Printf("- Idle: %d", sqlDB.Stats().Idle)

	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fmt.Println("Usage: msctl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}

	return nil
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot run migrations")
	}

	log.Println("Running database migrations...")

	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := settings.SetupDefaultSettings(app.DBManager.GetConnection()); err != nil {
		return fmt.Errorf("failed to seed default settings: %w", err)
	}

	log.Println("Migrations completed successfully")
	return nil
}

// Helper functions

func appDB(app *internal.Application) *gorm.DB {
	if app == nil {
		return nil
	}
	return app.DBManager.GetConnection()
}

// promptSecret reads a value without echoing when stdin is a terminal.
// Piped input falls back to a plain line read.
func promptSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", nil
	}
	return strings.TrimSpace(line), nil
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := os.Args[1:]
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	fmt.Println("Usage: msctl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}

	os.Exit(1)
}
