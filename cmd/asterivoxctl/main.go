// Command asterivoxctl operates a running Asterivox deployment from the
// shell. status, reload-llm and reload-models talk to the AI server over its
// WebSocket control channel; health queries the engine's HTTP probe
// endpoints. The defaults match configs/example.yaml.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/MrWong99/asterivox/pkg/backend"
	"github.com/MrWong99/asterivox/pkg/wire"
	"github.com/spf13/cobra"
)

var (
	backendURL string
	serverURL  string
	timeout    time.Duration
	rawJSON    bool
)

var rootCmd = &cobra.Command{
	Use:          "asterivoxctl",
	Short:        "Inspect and control a running Asterivox engine",
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the AI server's model and pipeline state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		client := newBackendClient()
		defer client.Close()

		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		if rawJSON {
			return json.NewEncoder(os.Stdout).Encode(st)
		}
		fmt.Printf("server : %s (%s)\n", st.Status, backendURL)
		printModel("stt", st.Models.STT)
		printModel("llm", st.Models.LLM)
		printModel("tts", st.Models.TTS)
		if st.Status != wire.StatusOK {
			return fmt.Errorf("server reports %q", st.Status)
		}
		return nil
	},
}

var reloadModelsCmd = &cobra.Command{
	Use:   "reload-models",
	Short: "Hot-reload every model on the AI server",
	Long: `Reloads the speech recogniser, language model and synthesizer from their
configured paths. Sessions in flight keep the models they started with; new
calls pick up the reloaded ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newBackendClient()
		defer client.Close()
		return runReload(cmd.Context(), "models", client.ReloadModels)
	},
}

var reloadLLMCmd = &cobra.Command{
	Use:   "reload-llm",
	Short: "Hot-reload only the language model",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newBackendClient()
		defer client.Close()
		return runReload(cmd.Context(), "llm", client.ReloadLLM)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the engine's readiness probes",
	Long: `Fetches /readyz from the engine's ops listener and prints each probe
result. The exit code is non-zero when any probe fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var rep struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
			return fmt.Errorf("decode %s/readyz: %w", serverURL, err)
		}
		if rawJSON {
			return json.NewEncoder(os.Stdout).Encode(rep)
		}
		fmt.Printf("engine : %s (%s)\n", rep.Status, serverURL)
		names := make([]string, 0, len(rep.Checks))
		for name := range rep.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-9s: %s\n", name, rep.Checks[name])
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("engine is not ready")
		}
		return nil
	},
}

// newBackendClient builds a channel client that fails fast. The engine's own
// channel retries with backoff; a CLI should report the first failure.
func newBackendClient() *backend.Client {
	return backend.New(backend.Config{
		URL:             backendURL,
		ResponseTimeout: timeout,
		Reconnect:       backend.ReconnectPolicy{MaxRetries: 1},
	})
}

func runReload(ctx context.Context, what string, do func(context.Context) (wire.ReloadResponse, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := do(ctx)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		if resp.Message != "" {
			return fmt.Errorf("reload %s: %s", what, resp.Message)
		}
		return fmt.Errorf("reload %s: server reports %q", what, resp.Status)
	}
	fmt.Printf("%s reloaded\n", what)
	return nil
}

func printModel(stage string, m wire.ModelStatus) {
	state := "not loaded"
	if m.Loaded {
		state = "loaded"
	}
	if m.Path != "" {
		fmt.Printf("  %-4s : %s (%s)\n", stage, state, m.Path)
		return
	}
	fmt.Printf("  %-4s : %s\n", stage, state)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "ws://127.0.0.1:8573/ws", "AI server WebSocket endpoint")
	// Model reloads reopen weight files, so the default deadline is generous.
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command deadline")

	healthCmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:9090", "engine ops listener base URL")
	statusCmd.Flags().BoolVar(&rawJSON, "json", false, "print the raw JSON response")
	healthCmd.Flags().BoolVar(&rawJSON, "json", false, "print the raw JSON response")

	rootCmd.AddCommand(statusCmd, reloadModelsCmd, reloadLLMCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
