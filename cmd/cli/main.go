// Command fedcoordctl is an operator CLI for the coordination server. It
// talks to the HTTP API and keeps the bearer token in a file under the
// user's home directory.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"
)

const tokenFileName = ".fedcoord-token"

var (
	serverURL = envOr("FEDCOORD_SERVER", "http://localhost:8080")
	client    = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "auth":
		err = authCmd(os.Args[2:])
	case "consortia":
		err = consortiaCmd(os.Args[2:])
	case "runs":
		err = runsCmd(os.Args[2:])
	case "headless":
		err = headlessCmd(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`fedcoordctl - federated coordination server CLI

Usage:
  fedcoordctl auth login -username <name> -password <pw>
  fedcoordctl auth register -username <name> -email <email> -password <pw>
  fedcoordctl auth whoami
  fedcoordctl consortia list
  fedcoordctl runs list
  fedcoordctl runs start -consortium <id>
  fedcoordctl headless list
  fedcoordctl headless apikey -id <id>

Environment:
  FEDCOORD_SERVER   server base URL (default http://localhost:8080)`)
}

func authCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("auth requires a subcommand: login, register, whoami")
	}
	switch args[0] {
	case "login":
		fs := flag.NewFlagSet("auth login", flag.ExitOnError)
		username := fs.String("username", "", "username")
		password := fs.String("password", "", "password")
		fs.Parse(args[1:])
		if *username == "" || *password == "" {
			return fmt.Errorf("username and password are required")
		}
		return login(map[string]string{"username": *username, "password": *password}, "/api/auth/login")
	case "register":
		fs := flag.NewFlagSet("auth register", flag.ExitOnError)
		username := fs.String("username", "", "username")
		email := fs.String("email", "", "email address")
		password := fs.String("password", "", "password")
		fs.Parse(args[1:])
		if *username == "" || *email == "" || *password == "" {
			return fmt.Errorf("username, email and password are required")
		}
		return login(map[string]string{
			"username": *username, "email": *email, "password": *password,
		}, "/api/auth/register")
	case "whoami":
		var resp struct {
			Token string `json:"token"`
			User  struct {
				ID       string `json:"id"`
				Username string `json:"username"`
				Email    string `json:"email"`
			} `json:"user"`
		}
		if err := doJSON("POST", "/api/auth/token", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("%s (%s) <%s>\n", resp.User.Username, resp.User.ID, resp.User.Email)
		return nil
	default:
		return fmt.Errorf("unknown auth subcommand: %s", args[0])
	}
}

func login(body map[string]string, path string) error {
	var resp struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := doJSON("POST", path, body, &resp); err != nil {
		return err
	}
	if err := saveToken(resp.Token); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", resp.User.Username)
	return nil
}

func consortiaCmd(args []string) error {
	if len(args) < 1 || args[0] != "list" {
		return fmt.Errorf("consortia requires a subcommand: list")
	}
	var consortia []struct {
		ID               string
		Name             string
		ActivePipelineID string
		IsPrivate        bool
		Members          map[string]string
		ActiveMembers    map[string]string
	}
	if err := doJSON("GET", "/api/consortia", nil, &consortia); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tACTIVE\tPIPELINE\tPRIVATE")
	for _, c := range consortia {
		pipeline := c.ActivePipelineID
		if pipeline == "" {
			pipeline = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%v\n",
			c.ID, c.Name, len(c.Members), len(c.ActiveMembers), pipeline, c.IsPrivate)
	}
	return w.Flush()
}

func runsCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("runs requires a subcommand: list, start")
	}
	switch args[0] {
	case "list":
		var runs []struct {
			ID           string
			ConsortiumID string
			Status       string
			StartDate    time.Time
			EndDate      time.Time
		}
		if err := doJSON("GET", "/api/runs", nil, &runs); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCONSORTIUM\tSTATUS\tSTARTED\tENDED")
		for _, r := range runs {
			ended := "-"
			if !r.EndDate.IsZero() {
				ended = r.EndDate.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.ConsortiumID, r.Status, r.StartDate.Format(time.RFC3339), ended)
		}
		return w.Flush()
	case "start":
		fs := flag.NewFlagSet("runs start", flag.ExitOnError)
		consortiumID := fs.String("consortium", "", "consortium id")
		fs.Parse(args[1:])
		if *consortiumID == "" {
			return fmt.Errorf("consortium id is required")
		}
		var run struct {
			ID     string
			Status string
		}
		body := map[string]string{"consortiumId": *consortiumID}
		if err := doJSON("POST", "/api/runs", body, &run); err != nil {
			return err
		}
		fmt.Printf("run %s started (%s)\n", run.ID, run.Status)
		return nil
	default:
		return fmt.Errorf("unknown runs subcommand: %s", args[0])
	}
}

func headlessCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("headless requires a subcommand: list, apikey")
	}
	switch args[0] {
	case "list":
		var clients []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			HasAPIKey bool   `json:"hasApiKey"`
		}
		if err := doJSON("GET", "/api/headless-clients", nil, &clients); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tHAS API KEY")
		for _, c := range clients {
			fmt.Fprintf(w, "%s\t%s\t%v\n", c.ID, c.Name, c.HasAPIKey)
		}
		return w.Flush()
	case "apikey":
		fs := flag.NewFlagSet("headless apikey", flag.ExitOnError)
		id := fs.String("id", "", "headless client id")
		fs.Parse(args[1:])
		if *id == "" {
			return fmt.Errorf("client id is required")
		}
		var resp struct {
			APIKey string `json:"apiKey"`
		}
		if err := doJSON("POST", "/api/headless-clients/"+*id+"/apikey", nil, &resp); err != nil {
			return err
		}
		fmt.Println("new API key (shown once, store it now):")
		fmt.Println(resp.APIKey)
		return nil
	default:
		return fmt.Errorf("unknown headless subcommand: %s", args[0])
	}
}

func doJSON(method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := loadToken(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Reason != "" {
				return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Error, apiErr.Reason)
			}
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func tokenPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, tokenFileName), nil
}

func saveToken(token string) error {
	path, err := tokenPath()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0o600)
}

func loadToken() (string, error) {
	path, err := tokenPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
