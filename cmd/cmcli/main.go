/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// cmcli is the command-line client for the Coal Mine API. Connection
// settings live in ~/.coal-mine.ini and are written by the configure
// subcommand.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configSection = "coal-mine"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "configure":
		err = runConfigure(args)
	case "create":
		err = runCreate(args)
	case "delete":
		err = runSimple("delete", args, false)
	case "update":
		err = runUpdate(args)
	case "get":
		err = runGet(args)
	case "list":
		err = runList(args)
	case "trigger":
		err = runSimple("trigger", args, true)
	case "pause":
		err = runSimple("pause", args, true)
	case "unpause":
		err = runSimple("unpause", args, true)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cmcli:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cmcli <command> [flags]

commands:
  configure  save connection settings to ~/.coal-mine.ini
  create     create a canary
  delete     delete a canary
  update     update a canary's attributes
  get        show one canary
  list       list canaries
  trigger    report that a canary's task ran
  pause      pause a canary
  unpause    unpause a canary

run 'cmcli <command> --help' for the flags of each command.`)
}

// connection is resolved from flags over the INI file.
type connection struct {
	host    string
	port    int
	authKey string
}

func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coal-mine.ini"
	}
	return filepath.Join(home, ".coal-mine.ini")
}

func connectionFlags(flags *pflag.FlagSet) {
	flags.String("host", "", "Coal Mine server host")
	flags.Int("port", 0, "Coal Mine server port")
	flags.String("auth-key", "", "API auth key")
	flags.Bool("no-auth-key", false, "Send no auth key even if one is configured")
}

func loadConnection(flags *pflag.FlagSet) (connection, error) {
	conn := connection{host: "localhost", port: 8080}

	v := viper.New()
	v.SetConfigFile(configPath())
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err == nil {
		if h := v.GetString(configSection + ".host"); h != "" {
			conn.host = h
		}
		if p := v.GetInt(configSection + ".port"); p != 0 {
			conn.port = p
		}
		conn.authKey = v.GetString(configSection + ".auth-key")
	}

	if h, _ := flags.GetString("host"); h != "" {
		conn.host = h
	}
	if p, _ := flags.GetInt("port"); p != 0 {
		conn.port = p
	}
	if k, _ := flags.GetString("auth-key"); k != "" {
		conn.authKey = k
	}
	if no, _ := flags.GetBool("no-auth-key"); no {
		conn.authKey = ""
	}
	return conn, nil
}

// call performs one API request and returns the decoded success
// envelope. An error envelope becomes an error.
func (c connection) call(op string, values url.Values, withAuth bool) (map[string]any, error) {
	if withAuth && c.authKey != "" {
		values.Set("auth_key", c.authKey)
	}
	u := url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("%s:%d", c.host, c.port),
		Path:     "/coal-mine/v1/canary/" + op,
		RawQuery: values.Encode(),
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("bad response from server (HTTP %d)", resp.StatusCode)
	}
	if envelope["status"] != "ok" {
		if msg, ok := envelope["error"].(string); ok {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, fmt.Errorf("request failed (HTTP %d)", resp.StatusCode)
	}
	delete(envelope, "status")
	return envelope, nil
}

func printResult(result map[string]any) {
	if len(result) == 0 {
		fmt.Println("ok")
		return
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Println(result)
		return
	}
	fmt.Println(string(out))
}

// identifier adds the id or name parameter from flags; one is required.
func identifier(flags *pflag.FlagSet, values url.Values) error {
	id, _ := flags.GetString("id")
	name, _ := flags.GetString("name")
	switch {
	case id != "":
		values.Set("id", id)
	case name != "":
		values.Set("name", name)
	default:
		return fmt.Errorf("either --id or --name is required")
	}
	return nil
}

func runConfigure(args []string) error {
	flags := pflag.NewFlagSet("configure", pflag.ExitOnError)
	flags.String("host", "localhost", "Coal Mine server host")
	flags.Int("port", 8080, "Coal Mine server port")
	flags.String("auth-key", "", "API auth key (empty for none)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	host, _ := flags.GetString("host")
	port, _ := flags.GetInt("port")
	authKey, _ := flags.GetString("auth-key")

	v := viper.New()
	v.SetConfigFile(configPath())
	v.SetConfigType("ini")
	_ = v.ReadInConfig()
	v.Set(configSection+".host", host)
	v.Set(configSection+".port", port)
	v.Set(configSection+".auth-key", authKey)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("writing %s: %w", configPath(), err)
	}
	fmt.Println("wrote", configPath())
	return nil
}

func runCreate(args []string) error {
	flags := pflag.NewFlagSet("create", pflag.ExitOnError)
	connectionFlags(flags)
	flags.String("name", "", "Canary name (required)")
	flags.String("periodicity", "", "Seconds between pings, or a schedule (required)")
	flags.String("description", "", "Free-form description")
	flags.StringArray("email", nil, "Notification address (repeatable)")
	flags.Bool("paused", false, "Create the canary paused")
	if err := flags.Parse(args); err != nil {
		return err
	}
	conn, err := loadConnection(flags)
	if err != nil {
		return err
	}

	values := url.Values{}
	name, _ := flags.GetString("name")
	periodicity, _ := flags.GetString("periodicity")
	if name == "" || periodicity == "" {
		return fmt.Errorf("--name and --periodicity are required")
	}
	values.Set("name", name)
	values.Set("periodicity", periodicity)
	if d, _ := flags.GetString("description"); d != "" {
		values.Set("description", d)
	}
	emails, _ := flags.GetStringArray("email")
	for _, e := range emails {
		values.Add("email", e)
	}
	if paused, _ := flags.GetBool("paused"); paused {
		values.Set("paused", "true")
	}

	result, err := conn.call("create", values, true)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func runUpdate(args []string) error {
	flags := pflag.NewFlagSet("update", pflag.ExitOnError)
	connectionFlags(flags)
	flags.String("id", "", "Canary id")
	flags.String("name", "", "Canary name; with --id, the new name")
	flags.String("periodicity", "", "New periodicity")
	flags.String("description", "", "New description")
	flags.StringArray("email", nil, "New notification address (repeatable; a single '-' clears)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	conn, err := loadConnection(flags)
	if err != nil {
		return err
	}

	id, _ := flags.GetString("id")
	name, _ := flags.GetString("name")
	values := url.Values{}

	// The server updates by id only. Without --id, the name addresses
	// the canary and is resolved here first.
	if id == "" {
		if name == "" {
			return fmt.Errorf("either --id or --name is required")
		}
		lookup := url.Values{}
		lookup.Set("name", name)
		result, err := conn.call("get", lookup, true)
		if err != nil {
			return err
		}
		canary, ok := result["canary"].(map[string]any)
		if !ok {
			return fmt.Errorf("unexpected response from server")
		}
		id, _ = canary["id"].(string)
	} else if name != "" {
		values.Set("name", name)
	}
	values.Set("id", id)

	if flags.Changed("periodicity") {
		p, _ := flags.GetString("periodicity")
		values.Set("periodicity", p)
	}
	if flags.Changed("description") {
		d, _ := flags.GetString("description")
		values.Set("description", d)
	}
	emails, _ := flags.GetStringArray("email")
	for _, e := range emails {
		values.Add("email", e)
	}

	result, err := conn.call("update", values, true)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func runGet(args []string) error {
	flags := pflag.NewFlagSet("get", pflag.ExitOnError)
	connectionFlags(flags)
	flags.String("id", "", "Canary id")
	flags.String("name", "", "Canary name")
	flags.Bool("no-history", false, "Omit the history from the output")
	if err := flags.Parse(args); err != nil {
		return err
	}
	conn, err := loadConnection(flags)
	if err != nil {
		return err
	}

	values := url.Values{}
	if err := identifier(flags, values); err != nil {
		return err
	}
	result, err := conn.call("get", values, true)
	if err != nil {
		return err
	}
	if noHistory, _ := flags.GetBool("no-history"); noHistory {
		if canary, ok := result["canary"].(map[string]any); ok {
			delete(canary, "history")
		}
	}
	printResult(result)
	return nil
}

func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ExitOnError)
	connectionFlags(flags)
	flags.Bool("verbose", false, "Return full canary records")
	flags.Bool("paused", false, "Only paused canaries")
	flags.Bool("no-paused", false, "Only unpaused canaries")
	flags.Bool("late", false, "Only late canaries")
	flags.Bool("no-late", false, "Only on-time canaries")
	flags.String("search", "", "Regular expression matched against name, slug, id, and emails")
	if err := flags.Parse(args); err != nil {
		return err
	}
	conn, err := loadConnection(flags)
	if err != nil {
		return err
	}

	values := url.Values{}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		values.Set("verbose", "true")
	}
	if err := boolFilter(flags, values, "paused"); err != nil {
		return err
	}
	if err := boolFilter(flags, values, "late"); err != nil {
		return err
	}
	if s, _ := flags.GetString("search"); s != "" {
		values.Set("search", s)
	}

	result, err := conn.call("list", values, true)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func boolFilter(flags *pflag.FlagSet, values url.Values, key string) error {
	yes, _ := flags.GetBool(key)
	no, _ := flags.GetBool("no-" + key)
	if yes && no {
		return fmt.Errorf("--%s and --no-%s are mutually exclusive", key, key)
	}
	if yes {
		values.Set(key, "true")
	}
	if no {
		values.Set(key, "false")
	}
	return nil
}

// runSimple covers delete, trigger, pause, and unpause: identifier plus
// an optional comment.
func runSimple(op string, args []string, comment bool) error {
	flags := pflag.NewFlagSet(op, pflag.ExitOnError)
	connectionFlags(flags)
	flags.String("id", "", "Canary id")
	flags.String("name", "", "Canary name")
	if comment {
		flags.String("comment", "", "Comment recorded in the canary history")
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	conn, err := loadConnection(flags)
	if err != nil {
		return err
	}

	values := url.Values{}
	if err := identifier(flags, values); err != nil {
		return err
	}
	if comment {
		if c, _ := flags.GetString("comment"); c != "" {
			values.Set("comment", c)
		}
	}

	result, err := conn.call(op, values, op != "trigger")
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}
