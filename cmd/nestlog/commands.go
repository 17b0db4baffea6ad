package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MarcoPoloResearchLab/nestlog/internal/app"
	"github.com/MarcoPoloResearchLab/nestlog/internal/coordinator"
	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
)

const timeLayout = time.RFC3339

func newHouseholdCommand() *cobra.Command {
	householdCmd := &cobra.Command{
		Use:   "household",
		Short: "Create, join or leave the shared household",
	}

	householdCmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create a household and share this device's records with it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
					householdID, err := device.CreateHousehold(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), householdID)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "join <household-id>",
			Short: "Join an existing household",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
					if err := device.JoinHousehold(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%d pending)\n", device.HouseholdID(), device.PendingCount())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "leave",
			Short: "Leave the household; local records are kept",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), false, func(ctx context.Context, device *app.App) error {
					return device.LeaveHousehold(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show sync status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), false, func(ctx context.Context, device *app.App) error {
					printStatus(cmd.OutOrStdout(), device.Status())
					return nil
				})
			},
		},
	)
	return householdCmd
}

func printStatus(out io.Writer, status coordinator.Status) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "mode\t%s\n", status.Mode)
	fmt.Fprintf(writer, "household\t%s\n", orDash(status.HouseholdID))
	fmt.Fprintf(writer, "device\t%s\n", status.DeviceID)
	fmt.Fprintf(writer, "online\t%t\n", status.IsOnline)
	fmt.Fprintf(writer, "connected\t%t\n", status.IsConnected)
	lastSync := "never"
	if status.HasSynced {
		lastSync = status.LastSyncTime.Local().Format(timeLayout)
	}
	fmt.Fprintf(writer, "last sync\t%s\n", lastSync)
	fmt.Fprintf(writer, "pending\t%d\n", status.PendingCount)
	_ = writer.Flush()
}

func newContractionCommand() *cobra.Command {
	contractionCmd := &cobra.Command{
		Use:   "contraction",
		Short: "Time contractions",
	}

	var intensity int
	var notes string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start timing a contraction now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
				id, err := device.StartContraction(intensity, notes)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	startCmd.Flags().IntVar(&intensity, "intensity", 0, "Intensity from 0 to 10")
	startCmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")

	stopCmd := &cobra.Command{
		Use:   "stop [id]",
		Short: "Stop the given or the most recent running contraction",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
				stopped, err := device.StopContraction(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s lasted %ds\n", stopped.ID, stopped.Duration)
				return nil
			})
		},
	}

	var addStart string
	var addDuration time.Duration
	var addIntensity int
	var addNotes string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Record a finished contraction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addDuration <= 0 {
				return fmt.Errorf("--duration must be positive")
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
				end := time.Now()
				start := end.Add(-addDuration)
				if addStart != "" {
					parsed, err := time.Parse(timeLayout, addStart)
					if err != nil {
						return fmt.Errorf("--start: %w", err)
					}
					start = parsed
					end = start.Add(addDuration)
				}
				id, err := device.Contractions().Create(events.Contraction{
					StartTime: start.UnixMilli(),
					EndTime:   end.UnixMilli(),
					Duration:  int64(addDuration / time.Second),
					Intensity: addIntensity,
					Notes:     addNotes,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&addStart, "start", "", "Start time (RFC3339); defaults to now minus duration")
	addCmd.Flags().DurationVar(&addDuration, "duration", 0, "How long it lasted, e.g. 55s")
	addCmd.Flags().IntVar(&addIntensity, "intensity", 0, "Intensity from 0 to 10")
	addCmd.Flags().StringVar(&addNotes, "notes", "", "Free-form notes")

	contractionCmd.AddCommand(startCmd, stopCmd, addCmd)
	return contractionCmd
}

func newFeedingCommand() *cobra.Command {
	feedingCmd := &cobra.Command{
		Use:   "feeding",
		Short: "Log feedings",
	}

	var method string
	var amount int
	var start string
	var duration time.Duration
	var notes string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Record a feeding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			record := events.FeedingSession{
				Method:   events.FeedingMethod(method),
				AmountML: amount,
				Notes:    notes,
			}
			if start != "" {
				parsed, err := time.Parse(timeLayout, start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				record.StartTime = parsed.UnixMilli()
				if duration > 0 {
					record.EndTime = parsed.Add(duration).UnixMilli()
				}
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
				id, err := device.LogFeeding(record)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&method, "method", string(events.FeedingBottle), "breast_left, breast_right, bottle or solid")
	addCmd.Flags().IntVar(&amount, "amount-ml", 0, "Amount in millilitres")
	addCmd.Flags().StringVar(&start, "start", "", "Start time (RFC3339); defaults to now")
	addCmd.Flags().DurationVar(&duration, "duration", 0, "Length of the feeding when --start is given")
	addCmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")

	feedingCmd.AddCommand(addCmd)
	return feedingCmd
}

func newDiaperCommand() *cobra.Command {
	diaperCmd := &cobra.Command{
		Use:   "diaper",
		Short: "Log diaper changes",
	}

	var diaperType string
	var at string
	var notes string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Record a diaper change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			record := events.DiaperEntry{Type: events.DiaperType(diaperType), Notes: notes}
			if at != "" {
				parsed, err := time.Parse(timeLayout, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				record.Timestamp = parsed.UnixMilli()
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
				id, err := device.LogDiaper(record)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&diaperType, "type", string(events.DiaperWet), "wet, dirty, mixed or dry")
	addCmd.Flags().StringVar(&at, "at", "", "Change time (RFC3339); defaults to now")
	addCmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")

	diaperCmd.AddCommand(addCmd)
	return diaperCmd
}

func newSignalCommands() []*cobra.Command {
	phaseCmd := &cobra.Command{
		Use:   "phase <phase>",
		Short: "Share the current labor phase with the household",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
				return device.SetPhase(ctx, args[0])
			})
		},
	}

	var info protocol.BabyInfo
	var birth string
	babyCmd := &cobra.Command{
		Use:   "baby",
		Short: "Share baby details with the household",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if birth != "" {
				parsed, err := time.Parse(timeLayout, birth)
				if err != nil {
					return fmt.Errorf("--birth: %w", err)
				}
				info.BirthTime = parsed.UnixMilli()
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
				return device.SetBabyInfo(ctx, info)
			})
		},
	}
	babyCmd.Flags().StringVar(&info.Name, "name", "", "Name")
	babyCmd.Flags().StringVar(&birth, "birth", "", "Birth time (RFC3339)")
	babyCmd.Flags().IntVar(&info.WeightG, "weight-g", 0, "Birth weight in grams")
	babyCmd.Flags().StringVar(&info.Sex, "sex", "", "Sex")

	return []*cobra.Command{phaseCmd, babyCmd}
}

func newListCommand() *cobra.Command {
	var asJSON bool
	listCmd := &cobra.Command{
		Use:       "list <contraction|feeding|diaper>",
		Short:     "List local records of one kind with their sync status",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{events.KindContraction.String(), events.KindFeeding.String(), events.KindDiaper.String()},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := events.ParseKind(args[0])
			if err != nil || !kind.IsRecord() {
				return fmt.Errorf("unknown record kind %q", args[0])
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, device *app.App) error {
				rows := listRows(device, kind)
				if asJSON {
					encoder := json.NewEncoder(cmd.OutOrStdout())
					encoder.SetIndent("", "  ")
					return encoder.Encode(rows)
				}
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(writer, "ID\tWHEN\tSTATUS\tDETAIL")
				for _, row := range rows {
					fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", row.ID, row.When, row.Status, row.Detail)
				}
				return writer.Flush()
			})
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return listCmd
}

type listRow struct {
	ID     string            `json:"id"`
	When   string            `json:"when"`
	Status events.SyncStatus `json:"status"`
	Detail string            `json:"detail"`
	Record any               `json:"record"`
}

func listRows(device *app.App, kind events.Kind) []listRow {
	var rows []listRow
	switch kind {
	case events.KindContraction:
		for _, entry := range device.Contractions().All() {
			record := entry.Record
			detail := fmt.Sprintf("%ds intensity %d", record.Duration, record.Intensity)
			if record.Running() {
				detail = "running"
			}
			rows = append(rows, listRow{ID: record.ID, When: formatMillis(record.StartTime), Status: entry.Status, Detail: detail, Record: record})
		}
	case events.KindFeeding:
		for _, entry := range device.Feedings().All() {
			record := entry.Record
			detail := string(record.Method)
			if record.AmountML > 0 {
				detail = fmt.Sprintf("%s %dml", detail, record.AmountML)
			}
			rows = append(rows, listRow{ID: record.ID, When: formatMillis(record.StartTime), Status: entry.Status, Detail: detail, Record: record})
		}
	case events.KindDiaper:
		for _, entry := range device.Diapers().All() {
			record := entry.Record
			rows = append(rows, listRow{ID: record.ID, When: formatMillis(record.Timestamp), Status: entry.Status, Detail: string(record.Type), Record: record})
		}
	}
	return rows
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push every pending record now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, device *app.App) error {
				if device.Mode() != coordinator.ModeActive {
					fmt.Fprintf(cmd.OutOrStdout(), "not syncing: %s\n", device.Mode())
					return nil
				}
				if err := device.SyncNow(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d pending\n", device.PendingCount())
				return nil
			})
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay connected and print records and signals from other devices until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			return withApp(signalCtx, true, func(ctx context.Context, device *app.App) error {
				printMerged := func(change events.Change) {
					if change.Op == events.ChangeMerged {
						fmt.Fprintf(out, "received %s %s\n", change.Kind, change.ID)
					}
				}
				for _, cancel := range []func(){
					device.Contractions().Subscribe(printMerged),
					device.Feedings().Subscribe(printMerged),
					device.Diapers().Subscribe(printMerged),
				} {
					defer cancel()
				}
				defer device.Signals().Subscribe(func(kind events.Kind, snapshot coordinator.SignalSnapshot) {
					switch kind {
					case events.KindPhaseChange:
						fmt.Fprintf(out, "phase %s\n", snapshot.Phase)
					case events.KindBabyInfo:
						if snapshot.BabyInfo != nil {
							fmt.Fprintf(out, "baby %s\n", strings.TrimSpace(snapshot.BabyInfo.Name))
						}
					}
				})()

				printStatus(out, device.Status())
				<-ctx.Done()
				return nil
			})
		},
	}
}

func formatMillis(millis int64) string {
	if millis == 0 {
		return "-"
	}
	return time.UnixMilli(millis).Local().Format(timeLayout)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
