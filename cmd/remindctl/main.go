// Command remindctl is the operator CLI for the reminder engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-reminders/internal/app/bootstrap"
	"github.com/wolfman30/clinic-reminders/internal/appointments"
	appconfig "github.com/wolfman30/clinic-reminders/internal/config"
	"github.com/wolfman30/clinic-reminders/internal/voice"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// buildServices is replaced in tests.
var buildServices = func(ctx context.Context) (*bootstrap.Services, error) {
	cfg := appconfig.Load()
	return bootstrap.Build(ctx, cfg, logging.New(cfg.LogLevel).WithComponent("remindctl"))
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "remindctl",
		Short:        "Operate appointment reminder rounds",
		SilenceUsage: true,
	}
	root.AddCommand(runCmd())
	root.AddCommand(slotsCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(seedCmd())
	return root
}

func withServices(cmd *cobra.Command, fn func(ctx context.Context, s *bootstrap.Services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reminder round and enqueue its jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var days *int
			if cmd.Flags().Changed("days") {
				n, _ := cmd.Flags().GetInt("days")
				if n < 0 {
					return fmt.Errorf("--days must not be negative")
				}
				days = &n
			}
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				summary, err := s.Scheduler.RunRound(ctx, s.Scheduler.RoundFor(days))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().Int("days", 0, "days before the appointment; omit for a manual chat round")
	return cmd
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List open slots for a date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			date, _ := cmd.Flags().GetString("date")
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				open, err := s.Appointments.AvailableSlots(ctx, date)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"date": date, "slots": open})
			})
		},
	}
	cmd.Flags().String("date", "", "clinic-local date, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [payload.json]",
		Short: "Replay a voice callback payload from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			cb, err := voice.ParseCallback(body)
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				report, err := s.Reconciler.Reconcile(ctx, cb)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	return cmd
}

func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Book generated appointments for testing rounds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			count, _ := cmd.Flags().GetInt("count")
			date, _ := cmd.Flags().GetString("date")
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				results, err := seed(ctx, s.Appointments, date, count, time.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().Int("count", 3, "appointments to book")
	cmd.Flags().String("date", "", "clinic-local date, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

type seeded struct {
	AppointmentID string `json:"appointment_id"`
	Time          string `json:"time"`
	Customer      string `json:"customer"`
	TicketID      int64  `json:"ticket_id"`
}

// seed books count appointments into the first open slots of date.
func seed(ctx context.Context, svc *appointments.Service, date string, count int, now time.Time) ([]seeded, error) {
	open, err := svc.AvailableSlots(ctx, date)
	if err != nil {
		return nil, err
	}
	if count > len(open) {
		count = len(open)
	}
	out := make([]seeded, 0, count)
	for _, hhmm := range open[:count] {
		name := gofakeit.Name()
		res, err := svc.Book(ctx, appointments.BookRequest{
			Date:          date,
			Time:          hhmm,
			CustomerName:  name,
			CustomerPhone: gofakeit.Numerify("09########"),
			ChatUserID:    "U" + gofakeit.LetterN(16),
		}, now)
		if err != nil {
			return out, fmt.Errorf("book %s %s: %w", date, hhmm, err)
		}
		out = append(out, seeded{
			AppointmentID: res.Appointment.ID,
			Time:          hhmm,
			Customer:      name,
			TicketID:      res.TicketID,
		})
	}
	return out, nil
}
