// Package helm manages cluster add-ons through the helm CLI.
package helm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chalkan3/moodle-eks/pkg/providers"
	"github.com/chalkan3/moodle-eks/pkg/providers/execx"
)

// DefaultTimeout bounds helm's own --wait
const DefaultTimeout = 10 * time.Minute

// Client runs helm against one kubeconfig
type Client struct {
	runner     execx.Runner
	kubeconfig string
	timeout    time.Duration
}

// New returns a client for the cluster described by kubeconfig
func New(runner execx.Runner, kubeconfig string) *Client {
	return &Client{runner: runner, kubeconfig: kubeconfig, timeout: DefaultTimeout}
}

// WithTimeout overrides the --wait timeout
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

func (c *Client) command(args ...string) execx.Command {
	if c.kubeconfig != "" {
		args = append(args, "--kubeconfig", c.kubeconfig)
	}
	return execx.Command{Name: "helm", Args: args}
}

func isReleaseNotFound(err error) bool {
	var exitErr *execx.ExitError
	if errors.As(err, &exitErr) {
		return strings.Contains(exitErr.Stderr, "not found")
	}
	return false
}

type statusOutput struct {
	Name string `json:"name"`
	Info struct {
		Status string `json:"status"`
	} `json:"info"`
	Version int `json:"version"`
}

// ReleaseStatus returns the helm status of a release, e.g. "deployed"
func (c *Client) ReleaseStatus(ctx context.Context, name, namespace string) (string, error) {
	out, err := execx.Output(ctx, c.runner, c.command("status", name, "--namespace", namespace, "--output", "json"))
	if err != nil {
		if isReleaseNotFound(err) {
			return "", fmt.Errorf("%w: helm release %s/%s", providers.ErrNotFound, namespace, name)
		}
		return "", fmt.Errorf("helm status %s: %w", name, err)
	}
	var status statusOutput
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		return "", fmt.Errorf("parse helm status of %s: %w", name, err)
	}
	return status.Info.Status, nil
}

// InstallRelease adds the chart repository and runs upgrade --install --wait
func (c *Client) InstallRelease(ctx context.Context, release providers.Release) error {
	if release.RepoName != "" && release.RepoURL != "" {
		if _, err := c.runner.Run(ctx, c.command("repo", "add", release.RepoName, release.RepoURL, "--force-update")); err != nil {
			return fmt.Errorf("helm repo add %s: %w", release.RepoName, err)
		}
		if _, err := c.runner.Run(ctx, c.command("repo", "update", release.RepoName)); err != nil {
			return fmt.Errorf("helm repo update %s: %w", release.RepoName, err)
		}
	}

	args := []string{
		"upgrade", "--install", release.Name, release.Chart,
		"--namespace", release.Namespace,
		"--create-namespace",
		"--wait",
		"--timeout", c.timeout.String(),
	}
	if release.Version != "" {
		args = append(args, "--version", release.Version)
	}
	keys := make([]string, 0, len(release.Values))
	for k := range release.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--set", k+"="+release.Values[k])
	}

	if _, err := c.runner.Run(ctx, c.command(args...)); err != nil {
		return fmt.Errorf("helm install %s: %w", release.Name, err)
	}
	return nil
}

// UninstallRelease removes a release and waits for its resources
func (c *Client) UninstallRelease(ctx context.Context, name, namespace string) error {
	_, err := c.runner.Run(ctx, c.command("uninstall", name, "--namespace", namespace, "--wait"))
	if err != nil {
		if isReleaseNotFound(err) {
			return fmt.Errorf("%w: helm release %s/%s", providers.ErrNotFound, namespace, name)
		}
		return fmt.Errorf("helm uninstall %s: %w", name, err)
	}
	return nil
}
