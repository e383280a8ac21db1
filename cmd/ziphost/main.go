package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/Dzakiart19/hostingtele/pkg/api/client"
)

const defaultAPIBase = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "project":
		err = commandProject(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandLogin stores a session token issued by the web login. The token is
// checked against /auth/me before it is saved.
func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Session token (prompted when omitted)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	_ = fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Session token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(raw))
	}
	if secret == "" {
		return errors.New("a session token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}

	client, err := apiclient.New(cfg.APIBaseURL, secret)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	user, err := client.Me(ctx)
	if err != nil {
		return err
	}

	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	name := user.FirstName
	if user.Username != "" {
		name = "@" + user.Username
	}
	fmt.Printf("logged in as %s (%d)\n", name, user.TelegramID)
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: ziphost project [list|create|start|stop|delete|logs]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	case "start", "stop":
		return projectState(sub, args[1:])
	case "delete":
		return projectDelete(args[1:])
	case "logs":
		return projectLogs(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", sub)
	}
}

func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("please login first using 'ziphost login'")
	}
	return apiclient.New(cfg.APIBaseURL, cfg.AccessToken)
}

func requireID(fs *flag.FlagSet, args []string) (string, error) {
	id := fs.String("id", "", "Project identifier")
	_ = fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return "", errors.New("--id is required")
	}
	return strings.TrimSpace(*id), nil
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	_ = fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tRUNTIME\tUPDATED")
	for _, p := range projects {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, p.Runtime, p.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	credential := fs.String("credential", "", "Bot token of the hosted bot")
	archive := fs.String("archive", "", "Path to the zip archive")
	_ = fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*credential) == "" {
		return errors.New("--credential is required")
	}
	if strings.TrimSpace(*archive) == "" {
		return errors.New("--archive is required")
	}
	data, err := os.ReadFile(*archive)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	resp, err := client.CreateProject(ctx, apiclient.CreateProjectInput{
		Name:       *name,
		Credential: *credential,
		Filename:   filepath.Base(*archive),
		Archive:    data,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s status=%s\n", resp.ProjectID, resp.Status)
	return nil
}

func projectState(action string, args []string) error {
	id, err := requireID(flag.NewFlagSet("project "+action, flag.ExitOnError), args)
	if err != nil {
		return err
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var resp apiclient.StateResponse
	if action == "start" {
		resp, err = client.StartProject(ctx, id)
	} else {
		resp, err = client.StopProject(ctx, id)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", resp.ProjectID, resp.Status)
	return nil
}

func projectDelete(args []string) error {
	id, err := requireID(flag.NewFlagSet("project delete", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := client.DeleteProject(ctx, id); err != nil {
		return err
	}
	fmt.Println("project deleted")
	return nil
}

func projectLogs(args []string) error {
	fs := flag.NewFlagSet("project logs", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Maximum number of lines")
	id, err := requireID(fs, args)
	if err != nil {
		return err
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	entries, err := client.FetchLogs(ctx, id, *limit, 0)
	if err != nil {
		return err
	}
	// The API returns newest first; print oldest first like a terminal tail.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Printf("%s [%s/%s] %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Source, e.Level, e.Message)
	}
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "ziphost", "config.json"), nil
}

func printUsage() {
	fmt.Printf("ziphost CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	ziphost login [--token <session-token>] [--api http://localhost:4000]
	ziphost project list
	ziphost project create --name <name> --credential <bot-token> --archive <bot.zip>
	ziphost project start --id <project-id>
	ziphost project stop --id <project-id>
	ziphost project delete --id <project-id>
	ziphost project logs --id <project-id> [--limit N]
	ziphost version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
