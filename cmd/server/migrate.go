package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/auth"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/service"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := repository.Connect(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := repository.RunMigrations(ctx, db.Pool, repository.Migrations())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s), schema at v%d\n", applied, repository.CurrentSchemaVersion())
			return nil
		},
	}
}

// createAdminCmd bootstraps the first administrator. Later admins are
// promoted through PUT /api/v1/users/{id}.
func createAdminCmd(configPath *string) *cobra.Command {
	req := &domain.RegisterRequest{}

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := repository.Connect(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			repos := repository.New(db.Pool)
			jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			authSvc := service.NewAuthService(repos, jwtManager, service.NewEventService(repos.Events), nil)

			user, err := authSvc.CreateAdmin(ctx, req)
			if err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			utils.Info("admin created", "user_id", user.ID.String(), "email", user.Email)
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", user.Email, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.EmployeeNumber, "employee-number", "", "employee number")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&req.Email, "email", "", "email address")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&req.NationalID, "national-id", "", "national id number")
	cmd.Flags().StringVar(&req.Password, "password", "", "initial password")
	for _, f := range []string{"employee-number", "first-name", "last-name", "email", "phone", "password"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
