package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tidemark/tidemark/db"
	"github.com/tidemark/tidemark/logger"
	"github.com/tidemark/tidemark/market"
	"github.com/tidemark/tidemark/sym"
)

// SymbolsCmd manages the symbol registry directly against the database
var SymbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: sym.DB + " Manage the symbol registry",
	Long: `Manage the symbols Tidemark ingests.

Examples:
  tidemark symbols ls
  tidemark symbols add AAPL --asset-class equity --timeframes 1d,1h
  tidemark symbols rm AAPL`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var symbolsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active symbols",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, closeDB, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		units, err := registry.ListActive(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("failed to list symbols: %w", err)
		}
		if len(units) == 0 {
			pterm.Info.Println("Registry is empty")
			return nil
		}

		rows := pterm.TableData{{"Symbol", "Asset class", "Timeframes"}}
		for _, u := range units {
			rows = append(rows, []string{u.Symbol, string(u.AssetClass), strings.Join(u.Timeframes, ", ")})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

var symbolsAddCmd = &cobra.Command{
	Use:   "add <symbol>",
	Short: "Add or update a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, closeDB, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		assetClass, _ := cmd.Flags().GetString("asset-class")
		timeframes, _ := cmd.Flags().GetStringSlice("timeframes")

		unit := market.WorkUnit{
			Symbol:     args[0],
			AssetClass: market.AssetClass(assetClass),
			Timeframes: timeframes,
		}
		if err := registry.Upsert(context.Background(), unit); err != nil {
			return fmt.Errorf("failed to add symbol: %w", err)
		}
		pterm.Success.Printf("Symbol %s registered (%s, %s)\n",
			unit.Symbol, unit.AssetClass, strings.Join(unit.Timeframes, ", "))
		return nil
	},
}

var symbolsRmCmd = &cobra.Command{
	Use:   "rm <symbol>",
	Short: "Deactivate a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, closeDB, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		if err := registry.Deactivate(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to deactivate symbol: %w", err)
		}
		pterm.Success.Printf("Symbol %s deactivated, history retained\n", args[0])
		return nil
	},
}

func openRegistry(cmd *cobra.Command) (*market.Registry, func(), error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return market.NewRegistry(database), func() { database.Close() }, nil
}

func init() {
	symbolsAddCmd.Flags().String("asset-class", "equity", "Asset class: equity, crypto, forex, commodity")
	symbolsAddCmd.Flags().StringSlice("timeframes", []string{"1d"}, "Timeframes to ingest")

	SymbolsCmd.AddCommand(symbolsLsCmd)
	SymbolsCmd.AddCommand(symbolsAddCmd)
	SymbolsCmd.AddCommand(symbolsRmCmd)
}
