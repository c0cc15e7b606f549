package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freightline/internal/app"
	"freightline/internal/domain"
	"freightline/internal/engine"
)

func contractCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contract",
		Short: "Create and advance freight contracts",
		Long:  "Each subcommand is one lifecycle operation. Mutating calls are made as --party or signed with --key.",
	}
	c.AddCommand(contractCreateCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractStepCmd("accept", "Carrier accepts a Draft contract", engine.OpAccept,
		func(e engine.Engine) func(context.Context, domain.ContractID, domain.Party) error { return e.Accept }))
	c.AddCommand(contractStepCmd("fund", "Shipper marks the escrow funded", engine.OpFund,
		func(e engine.Engine) func(context.Context, domain.ContractID, domain.Party) error { return e.MarkFunded }))
	c.AddCommand(contractStepCmd("start", "Start the trip of a funded contract", engine.OpStart,
		func(e engine.Engine) func(context.Context, domain.ContractID, domain.Party) error { return e.StartTrip }))
	c.AddCommand(contractTelemetryCmd())
	c.AddCommand(contractPODCmd())
	c.AddCommand(contractSettleCmd())
	return c
}

func contractCreateCmd() *cobra.Command {
	var carrier, origin, destination, token, price, docHash string
	var deadline uint64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a Draft contract as the shipper",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := currentCaller()
			if err != nil {
				return err
			}
			amount, err := domain.ParseAmount(price)
			if err != nil {
				return err
			}
			hash, err := domain.ParseHash(docHash)
			if err != nil {
				return err
			}
			opts := engine.CreateOptions{
				Shipper:      who.party,
				Carrier:      domain.Party(carrier),
				Origin:       origin,
				Destination:  destination,
				Token:        domain.Party(token),
				Price:        amount,
				DeadlineUnix: deadline,
				DocHash:      hash,
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ctx, err := who.context(ctx, engine.CreateCall(opts))
				if err != nil {
					return err
				}
				id, err := rt.Engine.CreateContract(ctx, opts)
				if err != nil {
					return err
				}
				return showContract(ctx, rt.Engine, id)
			})
		},
	}
	cmd.Flags().StringVar(&carrier, "carrier", "", "carrier party")
	cmd.Flags().StringVar(&origin, "origin", "", "origin")
	cmd.Flags().StringVar(&destination, "destination", "", "destination")
	cmd.Flags().StringVar(&token, "token", "", "payment asset")
	cmd.Flags().StringVar(&price, "price", "", "price in asset base units")
	cmd.Flags().Uint64Var(&deadline, "deadline", 0, "delivery deadline, unix seconds")
	cmd.Flags().StringVar(&docHash, "doc-hash", "", "hex digest of the shipping document")
	_ = cmd.MarkFlagRequired("carrier")
	_ = cmd.MarkFlagRequired("price")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseContractID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return showContract(ctx, rt.Engine, id)
			})
		},
	}
}

func contractStepCmd(use, short, op string, step func(engine.Engine) func(context.Context, domain.ContractID, domain.Party) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseContractID(args[0])
			if err != nil {
				return err
			}
			who, err := currentCaller()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ctx, err := who.context(ctx, engine.ContractCall(op, id))
				if err != nil {
					return err
				}
				if err := step(rt.Engine)(ctx, id, who.party); err != nil {
					return err
				}
				return showContract(ctx, rt.Engine, id)
			})
		},
	}
}

func contractTelemetryCmd() *cobra.Command {
	var secs, km uint32
	var cost string
	cmd := &cobra.Command{
		Use:   "telemetry <id>",
		Short: "Add a telemetry report as the oracle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseContractID(args[0])
			if err != nil {
				return err
			}
			amount, err := domain.ParseAmount(cost)
			if err != nil {
				return err
			}
			who, err := currentCaller()
			if err != nil {
				return err
			}
			opts := engine.TelemetryOptions{ID: id, AddSecs: secs, AddKm: km, AddCost: amount, Oracle: who.party}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ctx, err := who.context(ctx, engine.TelemetryCall(opts))
				if err != nil {
					return err
				}
				if err := rt.Engine.LogTelemetry(ctx, opts); err != nil {
					return err
				}
				return showContract(ctx, rt.Engine, id)
			})
		},
	}
	cmd.Flags().Uint32Var(&secs, "secs", 0, "seconds travelled since the last report")
	cmd.Flags().Uint32Var(&km, "km", 0, "kilometres travelled since the last report")
	cmd.Flags().StringVar(&cost, "cost", "0", "cost delta, may be negative")
	return cmd
}

func contractPODCmd() *cobra.Command {
	var podHash string
	cmd := &cobra.Command{
		Use:   "pod <id>",
		Short: "Submit the proof of delivery digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseContractID(args[0])
			if err != nil {
				return err
			}
			hash, err := domain.ParseHash(podHash)
			if err != nil {
				return err
			}
			who, err := currentCaller()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ctx, err := who.context(ctx, engine.PODCall(id, hash))
				if err != nil {
					return err
				}
				if err := rt.Engine.SubmitPOD(ctx, id, hash, who.party); err != nil {
					return err
				}
				return showContract(ctx, rt.Engine, id)
			})
		},
	}
	cmd.Flags().StringVar(&podHash, "hash", "", "hex digest of the proof of delivery")
	_ = cmd.MarkFlagRequired("hash")
	return cmd
}

func contractSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <id>",
		Short: "Evaluate the deadline and settle a Delivered contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseContractID(args[0])
			if err != nil {
				return err
			}
			who, err := currentCaller()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ctx, err := who.context(ctx, engine.ContractCall(engine.OpSettle, id))
				if err != nil {
					return err
				}
				pay, err := rt.Engine.EvaluateAndSettle(ctx, id, who.party)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": id.String(), "pay": pay.String()})
				}
				fmt.Printf("contract %s settled, paid %s\n", id, pay)
				return nil
			})
		},
	}
}

func showContract(ctx context.Context, e engine.Engine, id domain.ContractID) error {
	c, err := e.GetContract(ctx, id)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(c)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"ID", c.ID},
		{"Status", c.Status},
		{"Shipper", c.Shipper},
		{"Carrier", c.Carrier},
		{"Route", c.Origin + " -> " + c.Destination},
		{"Token", c.Token},
		{"Price", c.Price},
		{"Deadline", c.DeadlineUnix},
		{"Escrow funded", c.EscrowFunded},
		{"Doc hash", c.DocHash},
		{"Total secs", c.TotalSecs},
		{"Total km", c.TotalKm},
		{"Computed cost", c.ComputedCost},
		{"Last paid", c.LastPaid},
		{"Created at", c.CreatedAt},
	})
	tw.Render()
	return nil
}
