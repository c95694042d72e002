package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/example/prebook/internal/availability"
	"github.com/example/prebook/internal/config"
	"github.com/example/prebook/internal/db"
	"github.com/example/prebook/internal/migrate"
	"github.com/example/prebook/internal/prebooking"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPrebookingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prebooking",
		Short: "Manage prebookings (non-UI)",
	}
	cmd.AddCommand(newPrebookingCreateCmd())
	cmd.AddCommand(newPrebookingListCmd())
	cmd.AddCommand(newPrebookingCancelCmd())
	cmd.AddCommand(newPrebookingStaleCmd())
	return cmd
}

func openRepo(ctx context.Context) (*db.DB, *prebooking.Repo, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, prebooking.NewRepo(d), nil
}

func newPrebookingCreateCmd() *cobra.Command {
	var (
		userID    int64
		venueID   string
		slotID    string
		classDay  string
		familyID  string
		classTime string
		timezone  string
		message   string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a prebooking from a 'too early' rejection message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, repo, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			var classStart time.Time
			if classTime != "" {
				classStart, err = time.Parse(time.RFC3339, classTime)
				if err != nil {
					return fmt.Errorf("invalid --class-time (want RFC3339)")
				}
			} else {
				classStart, err = availability.FallbackMidnight(classDay, timezone)
				if err != nil {
					return err
				}
			}

			avail, ok := availability.Compute(message, classStart, timezone)
			if !ok {
				return fmt.Errorf("rejection message does not encode an advance-booking constraint")
			}

			pb := prebooking.PreBooking{
				UserID:      userID,
				VenueID:     venueID,
				Intent:      prebooking.Intent{SlotID: slotID, ClassDay: classDay, FamilyID: familyID},
				AvailableAt: avail.AvailableAt,
			}
			if err := pb.Validate(); err != nil {
				return err
			}

			created, err := repo.Create(ctx, pb)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created prebooking id=%s available_at=%s days_advance=%d\n",
				created.ID, created.AvailableAt.Format(time.RFC3339), avail.DaysAdvance)
			return nil
		},
	}

	c.Flags().Int64Var(&userID, "user-id", 0, "user id (from DB)")
	c.Flags().StringVar(&venueID, "venue-id", "", "venue id")
	c.Flags().StringVar(&slotID, "slot-id", "", "class slot id")
	c.Flags().StringVar(&classDay, "class-day", "", "class day YYYY-MM-DD")
	c.Flags().StringVar(&familyID, "family-id", "", "optional family/group id")
	c.Flags().StringVar(&classTime, "class-time", "", "class start RFC3339 (UTC); defaults to local midnight of --class-day")
	c.Flags().StringVar(&timezone, "timezone", "Europe/Madrid", "venue timezone for window math")
	c.Flags().StringVar(&message, "message", "", "upstream rejection message containing the advance-booking constraint")

	_ = c.MarkFlagRequired("user-id")
	_ = c.MarkFlagRequired("venue-id")
	_ = c.MarkFlagRequired("slot-id")
	_ = c.MarkFlagRequired("class-day")
	_ = c.MarkFlagRequired("message")
	return c
}

func newPrebookingListCmd() *cobra.Command {
	var userID int64
	var venueID string
	c := &cobra.Command{
		Use:   "list",
		Short: "List prebookings for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, repo, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			pbs, err := repo.FindByUser(ctx, userID, venueID)
			if err != nil {
				return err
			}
			for _, pb := range pbs {
				line := fmt.Sprintf("id=%s venue=%s slot=%s day=%s status=%s available_at=%s",
					pb.ID, pb.VenueID, pb.Intent.SlotID, pb.Intent.ClassDay, pb.Status,
					pb.AvailableAt.Format(time.RFC3339))
				if pb.Result != nil && pb.Result.BookingID != "" {
					line += " booking=" + pb.Result.BookingID
				}
				if pb.ErrorMessage != nil {
					line += fmt.Sprintf(" error=%q", *pb.ErrorMessage)
				}
				fmt.Fprintln(os.Stdout, line)
			}
			return nil
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "user id")
	c.Flags().StringVar(&venueID, "venue-id", "", "optional venue filter")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func newPrebookingCancelCmd() *cobra.Command {
	var userID int64
	var id string
	c := &cobra.Command{
		Use:   "cancel",
		Short: "Delete a prebooking",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, repo, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			pid, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("invalid --id")
			}
			if err := repo.Delete(ctx, pid, userID); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "deleted")
			return nil
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "owning user id")
	c.Flags().StringVar(&id, "id", "", "prebooking id")
	_ = c.MarkFlagRequired("user-id")
	_ = c.MarkFlagRequired("id")
	return c
}

// stale lists rows stuck between claim and terminal write, the gap a crash
// leaves behind. Reconciliation is an operator decision, so this only prints.
func newPrebookingStaleCmd() *cobra.Command {
	var olderThanMin int
	c := &cobra.Command{
		Use:   "stale",
		Short: "List prebookings stuck in loaded/executing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, repo, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			pbs, err := repo.SweepStale(ctx, time.Duration(olderThanMin)*time.Minute)
			if err != nil {
				return err
			}
			for _, pb := range pbs {
				fmt.Fprintf(os.Stdout, "id=%s status=%s loaded_at=%s user=%d\n",
					pb.ID, pb.Status, pb.LoadedAt.Format(time.RFC3339), pb.UserID)
			}
			return nil
		},
	}
	c.Flags().IntVar(&olderThanMin, "older-than-minutes", 10, "minimum age since claim")
	return c
}
