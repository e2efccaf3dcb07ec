package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zulandar/customgpt/internal/proxy"
	"github.com/zulandar/customgpt/internal/session"
	"github.com/zulandar/customgpt/internal/target"
)

func newTargetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Check target endpoint descriptions",
	}

	cmd.AddCommand(newTargetValidateCmd())
	cmd.AddCommand(newTargetTestCmd())
	return cmd
}

func newTargetValidateCmd() *cobra.Command {
	var targetPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a target file and show the request it builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTargetValidate(cmd, targetPath)
		},
	}

	cmd.Flags().StringVarP(&targetPath, "target", "t", "", "path to target YAML file (required)")
	cmd.MarkFlagRequired("target")
	return cmd
}

func runTargetValidate(cmd *cobra.Command, targetPath string) error {
	out := cmd.OutOrStdout()

	tgt, err := target.Load(targetPath)
	if err != nil {
		return err
	}
	if err := target.Validate(*tgt); err != nil {
		return fmt.Errorf("target %q is invalid: %w", tgt.Name, err)
	}
	req, err := target.Build(*tgt, session.DefaultSamplePrompt, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Target %q is valid\n", tgt.Name)
	printRequest(out, req)
	return nil
}

func newTargetTestCmd() *cobra.Command {
	var (
		configPath string
		targetPath string
		serverURL  string
		prompt     string
		raw        bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send one request to a target through the server",
		Long:  "Sends a sample prompt to the target via the server's proxy and shows the extracted reply.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTargetTest(cmd, configPath, targetPath, serverURL, prompt, raw)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to customgpt config file")
	cmd.Flags().StringVarP(&targetPath, "target", "t", "", "path to target YAML file (required)")
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (overrides client.server_url)")
	cmd.Flags().StringVar(&prompt, "prompt", session.DefaultSamplePrompt, "prompt to send")
	cmd.Flags().BoolVar(&raw, "raw", false, "also print the raw response body")
	cmd.MarkFlagRequired("target")
	return cmd
}

func runTargetTest(cmd *cobra.Command, configPath, targetPath, serverURL, prompt string, raw bool) error {
	out := cmd.OutOrStdout()

	_, cl, err := clientFromConfig(configPath, serverURL)
	if err != nil {
		return err
	}
	tgt, err := target.Load(targetPath)
	if err != nil {
		return err
	}
	ctrl, err := session.New(session.Options{Backend: cl})
	if err != nil {
		return err
	}

	res, err := ctrl.TestTarget(cmd.Context(), *tgt, prompt)
	if err != nil {
		return fmt.Errorf("test %q: %w", tgt.Name, err)
	}

	printRequest(out, res.Request)
	status := fmt.Sprintf("%d %s", res.Envelope.Status, res.Envelope.StatusText)
	if res.Envelope.OK {
		status = color.GreenString(status)
	} else {
		status = color.RedString(status)
	}
	fmt.Fprintf(out, "Status:   %s\n", status)
	if raw {
		fmt.Fprintf(out, "Raw:      %s\n", formatBody(res.Envelope.Body))
	}
	fmt.Fprintf(out, "Reply:    %s\n", res.Display)
	return nil
}

func printRequest(out io.Writer, req *proxy.Request) {
	fmt.Fprintf(out, "Request:  %s %s\n", req.Method, req.URL)
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "Header:   %s: %s\n", k, req.Headers[k])
	}
	if req.Body != nil {
		fmt.Fprintf(out, "Body:     %s\n", formatBody(req.Body))
	}
}

// formatBody renders a request or response body on one line.
func formatBody(body any) string {
	if s, ok := body.(string); ok {
		return s
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(b)
}
