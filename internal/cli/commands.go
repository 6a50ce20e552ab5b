package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lazypower/graphmem/internal/client"
	"github.com/lazypower/graphmem/internal/config"
	"github.com/lazypower/graphmem/internal/retriever"
	"github.com/lazypower/graphmem/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// openFromFlags loads config and wires a quiet engine for one-shot commands.
func openFromFlags(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return openEngine(ctx, cfg, zap.NewNop(), telemetry.Nop{})
}

// --- search command ---

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Rank nodes by similarity to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	eng, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	results, err := eng.graph.RetrieveSimilar(cmd.Context(), query, searchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s (%s, confidence %.2f)\n", i+1, r.Score, r.Node.ID, r.Node.NodeType, r.Node.Confidence)
		fmt.Fprintf(out, "   %s\n\n", truncate(r.Node.Content, 200))
	}
	return nil
}

// --- retrieve command ---

var (
	retrieveHops int
	retrieveJSON bool
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Retrieve seeds plus their graph neighborhood",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRetrieve,
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	eng, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	var opts retriever.Options
	if cmd.Flags().Changed("hops") {
		opts.ExpansionHops = &retrieveHops
	}
	res, err := eng.retriever.Retrieve(cmd.Context(), strings.Join(args, " "), opts)
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}

	out := cmd.OutOrStdout()
	if retrieveJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for i, e := range res.Results {
		via := ""
		if e.Via != "" {
			via = " via " + e.Via
		}
		fmt.Fprintf(out, "%d. [%.3f] %s hop %d%s\n   %s\n", i+1, e.Score, e.NodeID, e.Hops, via, truncate(e.Content, 200))
	}
	fmt.Fprintf(out, "\n%d seeds, %d expanded, %d returned\n", res.Stats.Seeds, res.Stats.Expanded, res.Stats.Returned)
	return nil
}

// --- consolidate command ---

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one decay-and-prune cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openFromFlags(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.consolidator.RunNow(cmd.Context())
		if err != nil {
			return fmt.Errorf("consolidate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "decayed %d, pruned %d, unchanged %d, errors %d (%s)\n",
			res.Decayed, res.Pruned, res.Unchanged, res.Errors, res.Duration)
		return nil
	},
}

// --- outcome command ---

var (
	outcomeServer     string
	outcomeStatus     string
	outcomeConfidence float64
	outcomeNodes      []string
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome [action-id]",
	Short: "Report an action outcome to a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(outcomeServer)
		if !c.Healthy(cmd.Context()) {
			return fmt.Errorf("graphmem server not reachable")
		}
		in := client.OutcomeInput{
			ActionID:      args[0],
			Status:        outcomeStatus,
			CausalNodeIDs: outcomeNodes,
		}
		if cmd.Flags().Changed("confidence") {
			in.Confidence = &outcomeConfidence
		}
		res, err := c.ReportOutcome(cmd.Context(), in)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "outcome %s: target %.3f, updated %d, skipped %d, errors %d\n",
			res.Outcome.ID, res.Target, res.Updated, res.Skipped, res.Errors)
		for _, n := range res.Nodes {
			fmt.Fprintf(out, "  %s %s %.3f -> %.3f\n", n.NodeID, n.Status, n.OldConfidence, n.NewConfidence)
		}
		return nil
	},
}

func init() {
	outcomeCmd.Flags().StringVar(&outcomeServer, "server", "", "Server URL (default $GRAPHMEM_URL or "+client.DefaultServerURL+")")
	outcomeCmd.Flags().StringVarP(&outcomeStatus, "status", "s", "success", "success, partial_success, failure or timeout")
	outcomeCmd.Flags().Float64Var(&outcomeConfidence, "confidence", 1, "Confidence in the reported status")
	outcomeCmd.Flags().StringSliceVar(&outcomeNodes, "node", nil, "Causal node id (repeatable)")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of results")

	retrieveCmd.Flags().IntVar(&retrieveHops, "hops", 1, "Expansion hops")
	retrieveCmd.Flags().BoolVar(&retrieveJSON, "json", false, "Print the full result as JSON")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
