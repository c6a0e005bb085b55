package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	charmLog "github.com/charmbracelet/log"

	"github.com/bibliosai/biblios/internal/actions"
	"github.com/bibliosai/biblios/internal/api"
	"github.com/bibliosai/biblios/internal/chat"
	"github.com/bibliosai/biblios/internal/config"
	"github.com/bibliosai/biblios/internal/credential"
	"github.com/bibliosai/biblios/internal/render"
	"github.com/bibliosai/biblios/internal/session"
)

type cli struct {
	ConfigDir string `name:"config-dir" help:"Config and state directory." env:"BIBLIOS_CONFIG_DIR"`
	BaseURL   string `name:"base-url" help:"Backend base URL." env:"BIBLIOS_BASE_URL"`
	StateDB   string `name:"state-db" help:"Client state database path." env:"BIBLIOS_STATE_DB"`
	LogLevel  string `name:"log-level" help:"Log level." env:"BIBLIOS_LOG_LEVEL" enum:",debug,info,warn,error,fatal" default:""`
	LogFormat string `name:"log-format" help:"Log output format." env:"BIBLIOS_LOG_FORMAT" default:"text" enum:"text,json"`

	Login         loginCmd         `cmd:"" help:"Sign in and store the session token."`
	Register      registerCmd      `cmd:"" help:"Create an account."`
	Logout        logoutCmd        `cmd:"" help:"Clear the stored session token."`
	Whoami        whoamiCmd        `cmd:"" help:"Show the authenticated user."`
	Chat          chatCmd          `cmd:"" help:"Open an interactive chat session."`
	Conversations conversationsCmd `cmd:"" help:"List saved conversations."`
	Actions       actionsCmd       `cmd:"" help:"List, approve or reject suggested actions."`
}

// appContext carries the wired core into command Run methods.
type appContext struct {
	logger  *charmLog.Logger
	store   *credential.Store
	client  *api.Client
	session *session.Controller
	ledger  *actions.Ledger
}

func main() {
	if err := loadDotEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	var flags cli
	parser, err := kong.New(
		&flags,
		kong.Name("biblios"),
		kong.Description("BibliosAI dashboard client"),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init cli: %v\n", err)
		os.Exit(2)
	}
	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse args: %v\n", err)
		os.Exit(2)
	}

	fileCfg, err := config.Load(flags.ConfigDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	baseURL := firstNonEmpty(flags.BaseURL, fileCfg.BaseURL)
	stateDB := firstNonEmpty(flags.StateDB, fileCfg.StateDB)
	logLevel := firstNonEmpty(flags.LogLevel, fileCfg.LogLevel)

	logger, err := newLogger(logLevel, flags.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %v\n", err)
		os.Exit(2)
	}
	charmLog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(stateDB), 0o700); err != nil {
		logger.Fatal("create state directory", "error", err)
	}
	store, err := credential.OpenStore(stateDB, logger.With("component", "credential"))
	if err != nil {
		logger.Fatal("open state db", "error", err)
	}
	defer store.Close()

	client, err := api.New(api.Config{
		BaseURL: baseURL,
		TokenSource: func() string {
			cred, ok := store.Load()
			if !ok || !cred.Valid(time.Now()) {
				return ""
			}
			return cred.Token
		},
		Logger: logger.With("component", "api"),
	})
	if err != nil {
		logger.Fatal("init api client", "error", err)
	}

	app := &appContext{
		logger:  logger,
		store:   store,
		client:  client,
		session: session.New(client, store, logger.With("component", "session")),
		ledger:  actions.NewLedger(client, logger.With("component", "actions")),
	}

	if err := kctx.Run(app); err != nil {
		logger.Fatal("command failed", "error", err)
	}
}

type loginCmd struct {
	Email    string `arg:"" help:"Account email."`
	Password string `name:"password" help:"Account password (prompted when omitted)." env:"BIBLIOS_PASSWORD"`
}

func (c *loginCmd) Run(app *appContext) error {
	password := c.Password
	if password == "" {
		fmt.Print("Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}

	ctx := context.Background()
	if !app.session.Login(ctx, c.Email, password) {
		snapshot := app.session.Snapshot()
		return errors.New(snapshot.LastError)
	}
	user := app.session.CurrentUser()
	fmt.Printf("Signed in as %s\n", user.Email)
	return nil
}

type registerCmd struct {
	Email    string `arg:"" help:"Account email."`
	Password string `name:"password" help:"Account password." env:"BIBLIOS_PASSWORD"`
	FullName string `name:"full-name" help:"Display name."`
}

func (c *registerCmd) Run(app *appContext) error {
	ctx := context.Background()
	if !app.session.Register(ctx, c.Email, c.Password, c.FullName) {
		snapshot := app.session.Snapshot()
		return errors.New(snapshot.LastError)
	}
	fmt.Println("Account created. Sign in with: biblios login", c.Email)
	return nil
}

type logoutCmd struct{}

func (c *logoutCmd) Run(app *appContext) error {
	app.session.Logout()
	fmt.Println("Signed out.")
	return nil
}

type whoamiCmd struct{}

func (c *whoamiCmd) Run(app *appContext) error {
	app.session.Bootstrap(context.Background())
	snapshot := app.session.Snapshot()
	if !snapshot.Authenticated {
		if snapshot.LastError != "" {
			return errors.New(snapshot.LastError)
		}
		return errors.New("not signed in")
	}
	fmt.Printf("%s", snapshot.User.Email)
	if snapshot.User.FullName != "" {
		fmt.Printf(" (%s)", snapshot.User.FullName)
	}
	fmt.Println()
	return nil
}

type chatCmd struct {
	Conversation string `name:"conversation" help:"Conversation id to resume; omit to start fresh."`
}

func (c *chatCmd) Run(app *appContext) error {
	ctx := context.Background()
	app.session.Bootstrap(ctx)
	if !app.session.Snapshot().Authenticated {
		return errors.New("not signed in; run: biblios login <email>")
	}

	thread := chat.NewThread(app.client, app.ledger, app.logger.With("component", "chat"))
	defer thread.Close()
	if err := thread.Open(ctx, c.Conversation); err != nil {
		return err
	}

	for _, msg := range thread.Messages() {
		printMessage(msg)
	}

	changes, cancel := app.ledger.Subscribe()
	defer cancel()
	go func() {
		for change := range changes {
			fmt.Printf("\n[action %s: %s -> %s]\n", change.ID, change.Previous, change.New)
		}
	}()

	fmt.Println("Type a message; /actions, /approve <id>, /reject <id>, /quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return scanner.Err()
		case line == "/actions":
			printActions(app.ledger.List())
		case strings.HasPrefix(line, "/approve "):
			resolveAction(ctx, app, app.ledger.Approve, strings.TrimPrefix(line, "/approve "))
		case strings.HasPrefix(line, "/reject "):
			resolveAction(ctx, app, app.ledger.Reject, strings.TrimPrefix(line, "/reject "))
		default:
			if err := thread.Send(ctx, line); err != nil {
				if errors.Is(err, chat.ErrSendInFlight) {
					fmt.Println("Still waiting for the previous reply.")
					continue
				}
				fmt.Printf("Error: %v\n", err)
				continue
			}
			messages := thread.Messages()
			if len(messages) > 0 {
				printMessage(messages[len(messages)-1])
			}
			if count := app.ledger.PendingCount(); count > 0 {
				fmt.Printf("%d action(s) pending approval. Use /actions to review.\n", count)
			}
		}
	}
	return scanner.Err()
}

type conversationsCmd struct{}

func (c *conversationsCmd) Run(app *appContext) error {
	ctx := context.Background()
	app.session.Bootstrap(ctx)
	if !app.session.Snapshot().Authenticated {
		return errors.New("not signed in")
	}

	summaries, err := app.client.ListConversations(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, summary := range summaries {
		title := summary.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s\t%s\t%s\n", summary.ID, summary.UpdatedAt, title)
	}
	return nil
}

type actionsCmd struct {
	List    actionsListCmd    `cmd:"" default:"withargs" help:"List actions."`
	Approve actionsResolveCmd `cmd:"" help:"Approve a pending action."`
	Reject  actionsResolveCmd `cmd:"" help:"Reject a pending action."`
}

type actionsListCmd struct {
	Status string `name:"status" help:"Filter by status." enum:",pending,approved,rejected,completed,failed" default:""`
}

func (c *actionsListCmd) Run(app *appContext) error {
	ctx := context.Background()
	app.session.Bootstrap(ctx)
	if !app.session.Snapshot().Authenticated {
		return errors.New("not signed in")
	}
	if err := app.ledger.Refresh(ctx); err != nil {
		return err
	}

	var items []api.Action
	if c.Status == "" {
		items = app.ledger.List()
	} else {
		items = app.ledger.List(api.ActionStatus(c.Status))
	}
	printActions(items)
	return nil
}

type actionsResolveCmd struct {
	ID string `arg:"" help:"Action id."`
}

func (c *actionsResolveCmd) Run(app *appContext, kctx *kong.Context) error {
	ctx := context.Background()
	app.session.Bootstrap(ctx)
	if !app.session.Snapshot().Authenticated {
		return errors.New("not signed in")
	}
	if err := app.ledger.Refresh(ctx); err != nil {
		return err
	}

	resolve := app.ledger.Approve
	if strings.Contains(kctx.Command(), "reject") {
		resolve = app.ledger.Reject
	}
	resolveAction(ctx, app, resolve, c.ID)
	return nil
}

func resolveAction(ctx context.Context, app *appContext, resolve func(context.Context, string) error, id string) {
	id = strings.TrimSpace(id)
	if err := resolve(ctx, id); err != nil {
		switch {
		case errors.Is(err, actions.ErrAlreadyResolved):
			action, _ := app.ledger.Get(id)
			fmt.Printf("Action %s was already resolved (%s).\n", id, action.Status)
		case errors.Is(err, actions.ErrNotFound):
			fmt.Printf("Unknown action id %s.\n", id)
		default:
			fmt.Printf("Error: %v\n", err)
		}
		return
	}
	action, _ := app.ledger.Get(id)
	fmt.Printf("Action %s is now %s.\n", id, action.Status)
}

func printMessage(msg chat.Message) {
	speaker := "You"
	if msg.Role == "assistant" {
		speaker = "BibliosAI"
	}
	suffix := ""
	switch msg.Delivery {
	case chat.DeliveryPending:
		suffix = " (sending)"
	case chat.DeliveryFailed:
		suffix = " (failed)"
	}
	fmt.Printf("%s%s: %s\n", speaker, suffix, msg.Content)

	for _, source := range msg.Sources {
		fmt.Printf("  source [%s] %s\n", source.SourceType, source.Title)
		if text := render.SourceText(source.Content); text != "" {
			fmt.Printf("    %s\n", text)
		}
	}
	for _, action := range msg.SuggestedActions {
		fmt.Printf("  suggested action %s [%s] %s\n", action.ID, action.Type, action.Title)
	}
}

func printActions(items []api.Action) {
	if len(items) == 0 {
		fmt.Println("No actions.")
		return
	}
	for _, action := range items {
		fmt.Printf("%s\t%s\t%s\t%s\n", action.ID, action.Status, action.Type, action.Title)
	}
}

func newLogger(levelRaw, formatRaw string) (*charmLog.Logger, error) {
	if strings.TrimSpace(levelRaw) == "" {
		levelRaw = "info"
	}
	level, err := charmLog.ParseLevel(strings.TrimSpace(levelRaw))
	if err != nil {
		return nil, err
	}

	formatter := charmLog.TextFormatter
	if strings.EqualFold(strings.TrimSpace(formatRaw), "json") {
		formatter = charmLog.JSONFormatter
	}

	return charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		Prefix:          "biblios",
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		key, value, ok, parseErr := parseDotEnvLine(scanner.Text())
		if parseErr != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNum, parseErr)
		}
		if !ok {
			continue
		}
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func parseDotEnvLine(line string) (key, value string, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false, nil
	}

	if strings.HasPrefix(trimmed, "export ") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}

	parts := strings.SplitN(trimmed, "=", 2)
	if len(parts) != 2 {
		return "", "", false, fmt.Errorf("invalid .env line")
	}

	key = strings.TrimSpace(parts[0])
	if key == "" {
		return "", "", false, fmt.Errorf("empty key in .env line")
	}

	value = strings.TrimSpace(parts[1])
	parsedValue, err := parseDotEnvValue(value)
	if err != nil {
		return "", "", false, err
	}
	return key, parsedValue, true, nil
}

func parseDotEnvValue(raw string) (string, error) {
	if len(raw) >= 2 && strings.HasPrefix(raw, "\"") && strings.HasSuffix(raw, "\"") {
		value, err := strconv.Unquote(raw)
		if err != nil {
			return "", fmt.Errorf("invalid double-quoted value: %w", err)
		}
		return value, nil
	}
	if len(raw) >= 2 && strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") {
		return strings.TrimSuffix(strings.TrimPrefix(raw, "'"), "'"), nil
	}
	return raw, nil
}
