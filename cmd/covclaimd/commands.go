package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ark-network/covclaim/internal/config"
	"github.com/urfave/cli/v2"
)

// flags
var (
	urlFlag = &cli.StringFlag{
		Name:  "url",
		Usage: "base url of the daemon api",
		Value: fmt.Sprintf("http://127.0.0.1:%d", config.DefaultApiPort),
	}
	fileFlag = &cli.StringFlag{
		Name:     "file",
		Usage:    "path to the json file with the covenant registration",
		Required: true,
	}
	scriptFlag = &cli.StringFlag{
		Name:     "script",
		Usage:    "hex encoded output script of the covenant",
		Required: true,
	}
)

// commands
var (
	covenantCommand = &cli.Command{
		Name:  "covenant",
		Usage: "Register and inspect covenants",
		Subcommands: append(
			cli.Commands{},
			covenantAddCommand,
			covenantGetCommand,
		),
		Flags: []cli.Flag{urlFlag},
	}
	covenantAddCommand = &cli.Command{
		Name:   "add",
		Usage:  "Register a covenant to claim",
		Action: covenantAddAction,
		Flags:  []cli.Flag{fileFlag},
	}
	covenantGetCommand = &cli.Command{
		Name:   "get",
		Usage:  "Get the status of a covenant",
		Action: covenantGetAction,
		Flags:  []cli.Flag{scriptFlag},
	}
)

func covenantAddAction(ctx *cli.Context) error {
	body, err := os.ReadFile(ctx.String("file"))
	if err != nil {
		return fmt.Errorf("failed to read registration file: %s", err)
	}
	if !json.Valid(body) {
		return fmt.Errorf("registration file is not valid json")
	}

	url := fmt.Sprintf("%s/covenant", ctx.String("url"))
	if _, err := doRequest(http.MethodPost, url, body, http.StatusCreated); err != nil {
		return err
	}

	fmt.Println("covenant registered")
	return nil
}

func covenantGetAction(ctx *cli.Context) error {
	url := fmt.Sprintf("%s/covenant/%s", ctx.String("url"), ctx.String("script"))
	resp, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, resp, "", "  "); err != nil {
		return err
	}
	fmt.Println(out.String())
	return nil
}

func doRequest(method, url string, body []byte, expectedStatus int) ([]byte, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != expectedStatus {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(buf, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%s", errResp.Error)
		}
		return nil, fmt.Errorf("unexpected response %d: %s", resp.StatusCode, string(buf))
	}
	return buf, nil
}
