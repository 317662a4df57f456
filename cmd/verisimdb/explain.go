package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/verisimdb/verisimdb/pkg/query/plan"
	"github.com/spf13/cobra"
)

// explainCmd exposes the planner's external explain(ast) -> plan tree hook
// directly: the query AST has no bundled text-query parser, so the input
// here is the AST's own JSON shape, not a query string.
var explainCmd = &cobra.Command{
	Use:   "explain [ast.json]",
	Short: "Print the physical plan tree the planner builds for a query AST",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read AST file: %w", err)
		}
		var ast plan.AST
		if err := json.Unmarshal(data, &ast); err != nil {
			return fmt.Errorf("parse AST: %w", err)
		}

		p := plan.NewPlanner(nil)
		root, err := p.Explain(&ast)
		if err != nil {
			return fmt.Errorf("explain: %w", err)
		}

		printPlan(root, 0)
		return nil
	},
}

func printPlan(n *plan.Node, depth int) {
	if n == nil {
		return
	}
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Printf("%s%s (cost=%.2fms mem=%.2f)\n", indent, n.Kind, n.TotalCost(), n.TotalMemory())
	for _, c := range n.Inner {
		printPlan(c, depth+1)
	}
}
