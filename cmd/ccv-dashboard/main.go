package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/ccv-dashboard/internal/config"
	"github.com/al-bashkir/ccv-dashboard/internal/crm"
	"github.com/al-bashkir/ccv-dashboard/internal/daemon"
	"github.com/al-bashkir/ccv-dashboard/internal/httpserver"
	"github.com/al-bashkir/ccv-dashboard/internal/logsanitize"
	"github.com/al-bashkir/ccv-dashboard/internal/session"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Command flags
var (
	ephemeral   bool
	loginEmail  string
	codeID      string
	resultsPage int
	resultsJSON bool
	filter      crm.Filter
	listName    string
	contactIDs  []string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitAuth    = 2 // not logged in or session rejected
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "ccv-dashboard",
	Short: "Credit card OCR validation dashboard",
	Long: `Operator dashboard for credit card OCR validation results held in the CRM.

Run 'serve' for the web dashboard, or use the other commands to log in,
inspect results and create target lists from the terminal. All commands
share the session stored at store.path.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard web server",
	Long: `Start the dashboard web server.

On startup a persisted session is validated against the CRM (see
auth.validate_on_startup). Requests rejected with 401 are retried once
after a single shared token refresh.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (status, check-config) so main() can
// call os.Exit() after cobra finishes.  This avoids calling os.Exit() inside
// RunE which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the CRM",
	Long: `Log in with email and password. The password is read from CCV_PASSWORD
or, if unset, from the first line of standard input.

If the CRM requires a verification code, the code id is printed; finish
with 'ccv-dashboard verify <code> --code-id <id>'.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <code>",
	Short: "Confirm a login with the two-factor code",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the stored session is accepted by the CRM",
	Long: `Validate the stored access token with the CRM.

Exit codes:
  0 = Session is valid
  2 = Not logged in or session rejected`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List validation results",
	Args:  cobra.NoArgs,
	RunE:  runResults,
}

var targetListCmd = &cobra.Command{
	Use:   "target-list",
	Short: "Manage CRM target lists",
}

var targetListCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a target list from contact ids",
	Args:  cobra.NoArgs,
	RunE:  runTargetListCreate,
}

var affiliatesCmd = &cobra.Command{
	Use:   "affiliates",
	Short: "List affiliate companies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOptions(cmd, (*crm.Client).FetchAffiliates)
	},
}

var countriesCmd = &cobra.Command{
	Use:   "countries",
	Short: "List passport countries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOptions(cmd, (*crm.Client).FetchCountries)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration without starting the server.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "ccv-dashboard.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	serveCmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep the session in memory only")

	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	_ = loginCmd.MarkFlagRequired("email")

	verifyCmd.Flags().StringVar(&codeID, "code-id", "", "Code id printed by login")
	_ = verifyCmd.MarkFlagRequired("code-id")

	resultsCmd.Flags().StringVar(&filter.DateRange, "date-range", "", "Date range (today, last_7_days, ...)")
	resultsCmd.Flags().StringVar(&filter.Country, "country", "", "Passport country")
	resultsCmd.Flags().StringVar(&filter.AffiliateCompanyID, "affiliate", "", "Affiliate company id")
	resultsCmd.Flags().StringVar(&filter.Status, "status", "", "Validation status")
	resultsCmd.Flags().IntVar(&resultsPage, "page", 1, "Page number")
	resultsCmd.Flags().BoolVar(&resultsJSON, "json", false, "Print the page as JSON")

	targetListCreateCmd.Flags().StringVar(&listName, "name", "", "Target list name")
	targetListCreateCmd.Flags().StringSliceVar(&contactIDs, "contact-id", nil, "Contact id (repeatable)")
	targetListCmd.AddCommand(targetListCreateCmd)

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(targetListCmd)
	rootCmd.AddCommand(affiliatesCmd)
	rootCmd.AddCommand(countriesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrNotAuthenticated) {
			os.Exit(ExitAuth)
		}
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)
	return cfg, nil
}

// newClient builds a CRM client on the shared session store.
func newClient() (*crm.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	mgr, err := daemon.OpenSession(cfg, false)
	if err != nil {
		return nil, err
	}

	return crm.NewClient(cfg.CRM, mgr), nil
}

// commandContext bounds a one-shot CLI command.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	if cmd != nil && cmd.Context() != nil {
		ctx = cmd.Context()
	}
	return context.WithTimeout(ctx, 2*time.Minute)
}

// requireSession fails early when no session is stored.
func requireSession(c *crm.Client) error {
	if !c.Session().IsAuthenticated() {
		return fmt.Errorf("%w: run 'ccv-dashboard login' first", session.ErrNotAuthenticated)
	}
	return nil
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	httpserver.Version = version

	slog.Info("starting CCV dashboard",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg, daemon.Options{Ephemeral: ephemeral})
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// readPassword returns CCV_PASSWORD or the first line of in.
func readPassword(in io.Reader) (string, error) {
	if p := os.Getenv("CCV_PASSWORD"); p != "" {
		return p, nil
	}

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return "", fmt.Errorf("no password given: set CCV_PASSWORD or pipe it on stdin")
	}
	return strings.TrimRight(scanner.Text(), "\r\n"), nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	resp, err := client.Login(ctx, strings.TrimSpace(loginEmail), password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if resp.NeedsVerification() {
		fmt.Fprintln(out, "Verification code sent.")
		fmt.Fprintf(out, "Run: ccv-dashboard verify <code> --code-id %s\n", resp.CodeID)
		return nil
	}

	fmt.Fprintln(out, "Logged in.")
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	if err := client.Session().SetPendingVerification(strings.TrimSpace(codeID)); err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if _, err := client.VerifyCode(ctx, strings.TrimSpace(args[0])); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Logged in.")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	if err := client.Logout(); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sess := client.Session().Snapshot()
	if !sess.IsAuthenticated() {
		fmt.Fprintln(out, "Not logged in.")
		overrideExitCode = ExitAuth
		return nil
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	valid, err := client.ValidateToken(ctx)
	if err != nil {
		slog.Debug("token validation failed", "error", err)
	}
	if !valid {
		fmt.Fprintln(out, "Session rejected by CRM.")
		overrideExitCode = ExitAuth
		return nil
	}

	fmt.Fprintln(out, "Session is valid.")
	fmt.Fprintf(out, "  User ID:      %s\n", sess.User.ID())
	fmt.Fprintf(out, "  Access token: %s\n", logsanitize.Token(sess.AccessToken))
	if tok := sess.Token(); !tok.Expiry.IsZero() {
		fmt.Fprintf(out, "  Expires:      %s\n", tok.Expiry.Format(time.RFC3339))
	}
	return nil
}

func runResults(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := requireSession(client); err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	page, err := client.FetchResults(ctx, filter, resultsPage)
	if err != nil {
		return fmt.Errorf("failed to fetch results: %w", err)
	}

	out := cmd.OutOrStdout()
	if resultsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	}

	if len(page.Records) == 0 {
		fmt.Fprintln(out, "No records found matching your filters.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTACT\tCUSTOMER\tSTATUS\tFILENAME\tCCN EXPECTED\tCCN ACTUAL\tLUHN EXPECTED\tLUHN ACTUAL")
	for _, r := range page.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ContactID, dash(r.DisplayName()), dash(crm.Label(crm.StatusOptions, r.Status)), dash(r.Filename),
			dash(r.CCNExpected), dash(r.CCNActual),
			dash(r.LuhnTestExpected), dash(r.LuhnTestActual))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nPage %d of %d, %d records on this page\n", page.Page, page.TotalPages, page.RecordsOnPage)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runTargetListCreate(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := requireSession(client); err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if _, err := client.CreateTargetList(ctx, listName, contactIDs); err != nil {
		return fmt.Errorf("failed to create target list: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %q with %d contacts\n", strings.TrimSpace(listName), len(contactIDs))
	return nil
}

func runOptions(cmd *cobra.Command, fetch func(*crm.Client, context.Context) ([]crm.Option, error)) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := requireSession(client); err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	options, err := fetch(client, ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, o := range options {
		fmt.Fprintf(tw, "%s\t%s\n", o.Value, o.Label)
	}
	return tw.Flush()
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("ccv-dashboard version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  CRM Base URL:        %s\n", cfg.CRM.BaseURL)
	fmt.Printf("  CRM Timeout:         %d seconds\n", cfg.CRM.Timeout)
	fmt.Printf("  HTTP Listen:         %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Session Store:       %s\n", cfg.Store.Path)
	fmt.Printf("  Validate On Startup: %v\n", cfg.Auth.ValidateOnStartup)
	fmt.Printf("  Refresh On Invalid:  %v\n", cfg.Auth.RefreshOnInvalid)
	fmt.Printf("  Validate Attempts:   %d\n", cfg.Auth.ValidateAttempts)
	fmt.Printf("  Log Level:           %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:          %s\n", cfg.Log.Format)
	fmt.Printf("  TLS Enabled:         %v\n", cfg.TLS.Enabled)

	fmt.Println("\n✅ Ready to start dashboard")

	return nil
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}
