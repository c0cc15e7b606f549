package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freightline/internal/app"
	"freightline/internal/domain"
	"freightline/internal/events"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed contract transition, in commit order.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var contractID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contractID != "" {
				id, err := domain.ParseContractID(contractID)
				if err != nil {
					return err
				}
				contractID = id.String()
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := tail(ctx, rt.Journal, n, contractID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Topic", "Contract", "Party", "Payload"})
				for _, evt := range items {
					payload, _ := json.Marshal(evt.Payload)
					tw.AppendRow(table.Row{evt.Seq, evt.TS, evt.Topic, evt.ContractID, evt.Party, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&contractID, "contract", "", "only events of this contract")
	return cmd
}

// tail returns the last n events, oldest first. Sequence numbers may have
// gaps, so it pages through the log instead of computing an offset.
func tail(ctx context.Context, src events.Source, n int, contractID string) ([]domain.Event, error) {
	var ring []domain.Event
	var cursor int64
	for {
		page, err := src.After(ctx, cursor, 500, contractID)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return ring, nil
		}
		ring = append(ring, page...)
		if len(ring) > n {
			ring = ring[len(ring)-n:]
		}
		cursor = page[len(page)-1].Seq
	}
}
