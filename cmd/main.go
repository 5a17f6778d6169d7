package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxy-allocator/pkg/allocator"
	"proxy-allocator/pkg/checker"
	"proxy-allocator/pkg/database"
	"proxy-allocator/pkg/geoip"
	"proxy-allocator/pkg/inventory"
	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/reservation"
	"proxy-allocator/pkg/store"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-allocator",
	Short: "A tool for allocating shared proxies from a remote inventory sheet",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var addProxiesCmd = &cobra.Command{
	Use:   "add-proxies [file]",
	Short: "Parse a file of proxy strings and append them to the inventory sheet",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, db, err := initService(cmd.Context())
		if err != nil {
			logger.Error("Error initializing service", "error", err)
			os.Exit(1)
		}
		defer closeDB(db)

		purposes, _ := cmd.Flags().GetStringSlice("purposes")
		days, _ := cmd.Flags().GetInt("days")
		proxyType, _ := cmd.Flags().GetString("type")

		results, err := svc.AddProxiesFromFile(cmd.Context(), args[0], purposes, days, models.Scheme(proxyType))
		if err != nil {
			logger.Error("Error adding proxies", "error", err)
			os.Exit(1)
		}

		for _, r := range results {
			fmt.Printf("%s\t%s\texpires %s\n", r.Proxy, r.Region, r.Expires.Format(models.DateLayout))
		}
		logger.Info("Proxies added successfully", "count", len(results))
	},
}

var listCmd = &cobra.Command{
	Use:   "list [purpose]",
	Short: "List proxies available for a purpose, longest-lived first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, db, err := initService(cmd.Context())
		if err != nil {
			logger.Error("Error initializing service", "error", err)
			os.Exit(1)
		}
		defer closeDB(db)

		region, _ := cmd.Flags().GetString("region")
		limit, _ := cmd.Flags().GetInt("limit")

		var proxies []models.Proxy
		if region != "" {
			proxies, err = svc.QueryByRegion(cmd.Context(), args[0], region, limit)
		} else {
			proxies, err = svc.QueryAvailable(cmd.Context(), args[0])
			if limit > 0 && len(proxies) > limit {
				proxies = proxies[:limit]
			}
		}
		if err != nil {
			logger.Error("Error listing proxies", "error", err)
			os.Exit(1)
		}

		now := time.Now()
		for _, p := range proxies {
			fmt.Printf("row %d\t%s\t%s\t%d days left\n", p.RowIndex, p.HostPort(), p.Region, p.DaysLeft(now))
		}
	},
}

var takeCmd = &cobra.Command{
	Use:   "take [purpose] [row...]",
	Short: "Reserve and commit the given rows for a purpose",
	Long: `Reserve the given sheet rows, then commit them in one batched
read-validate-write against the inventory sheet. Rows that fail
validation are reported, not fatal.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		svc, db, err := initService(cmd.Context())
		if err != nil {
			logger.Error("Error initializing service", "error", err)
			os.Exit(1)
		}
		defer closeDB(db)

		requester, _ := cmd.Flags().GetString("requester")

		purpose := args[0]
		var rows []int
		for _, arg := range args[1:] {
			row, err := strconv.Atoi(arg)
			if err != nil {
				logger.Error("Invalid row index", "value", arg)
				os.Exit(1)
			}
			rows = append(rows, row)
		}

		reserved := svc.ReserveBatch(rows, purpose, requester)
		if len(reserved) < len(rows) {
			logger.Warn("Some rows could not be reserved",
				"requested", len(rows), "reserved", len(reserved))
		}

		taken, failed, err := svc.CommitBatch(cmd.Context(), reserved, purpose, requester)
		if err != nil {
			// Reservations stay live for retry; release explicitly since
			// this process is about to exit.
			svc.ReleaseAll(requester)
			logger.Error("Error committing batch", "error", err, "failedRows", failed)
			os.Exit(1)
		}

		for _, p := range taken {
			fmt.Printf("row %d\t%s\n", p.RowIndex, p.StorageString())
		}
		if len(failed) > 0 {
			logger.Warn("Some rows failed commit validation", "rows", failed)
		}
		logger.Info("Batch committed", "taken", len(taken), "failed", len(failed))
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release [row...]",
	Short: "Release reservations held by a requester",
	Long: `Release the given reserved rows, or every row the requester
holds when no rows are given. Releasing is purely local; nothing is
written to the inventory sheet.`,
	Run: func(cmd *cobra.Command, args []string) {
		svc, db, err := initService(cmd.Context())
		if err != nil {
			logger.Error("Error initializing service", "error", err)
			os.Exit(1)
		}
		defer closeDB(db)

		requester, _ := cmd.Flags().GetString("requester")

		if len(args) == 0 {
			released := svc.ReleaseAll(requester)
			logger.Info("Released all reservations", "requester", requester, "count", released)
			return
		}

		released := 0
		for _, arg := range args {
			row, err := strconv.Atoi(arg)
			if err != nil {
				logger.Error("Invalid row index", "value", arg)
				os.Exit(1)
			}
			if svc.Release(row, requester) {
				released++
			}
		}
		logger.Info("Released reservations", "requester", requester, "count", released)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every inventory proxy through its own transport",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := store.NewSheetsStore(cmd.Context(), logger)
		if err != nil {
			logger.Error("Error creating store", "error", err)
			os.Exit(1)
		}
		rows, err := st.ReadAll(cmd.Context())
		if err != nil {
			logger.Error("Error reading inventory", "error", err)
			os.Exit(1)
		}
		proxies, _ := inventory.DecodeRows(rows, time.Now(), logger)

		c := checker.New(
			viper.GetString("checker.probe_url"),
			viper.GetString("checker.probe_addr"),
			viper.GetInt("checker.max_workers"),
			viper.GetInt("checker.timeout_seconds"),
			logger,
		)

		dead := 0
		for _, r := range c.CheckAll(cmd.Context(), proxies) {
			if !r.Alive {
				dead++
				fmt.Printf("DEAD\trow %d\t%s\t%s\n", r.Proxy.RowIndex, r.Proxy.HostPort(), r.Error)
			}
		}
		logger.Info("Check completed", "proxies", len(proxies), "dead", dead)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show inventory and allocation statistics",
	Run: func(cmd *cobra.Command, args []string) {
		svc, db, err := initService(cmd.Context())
		if err != nil {
			logger.Error("Error initializing service", "error", err)
			os.Exit(1)
		}
		defer closeDB(db)

		st, err := svc.Stats(cmd.Context())
		if err != nil {
			logger.Error("Error getting stats", "error", err)
			os.Exit(1)
		}

		fmt.Printf("total records:        %d\n", st.TotalRecords)
		fmt.Printf("available:            %d\n", st.Available)
		fmt.Printf("expired:              %d\n", st.Expired)
		fmt.Printf("skipped rows:         %d\n", st.SkippedRows)
		fmt.Printf("pending reservations: %d\n", st.PendingReservations)
		fmt.Printf("cache valid:          %v (age %.1fs)\n", st.CacheValid, st.CacheAgeSeconds)

		if db != nil {
			dbStats, err := db.GetAllocationStats(cmd.Context())
			if err != nil {
				logger.Error("Error getting allocation stats", "error", err)
				os.Exit(1)
			}
			fmt.Printf("allocation log:       %v\n", dbStats)

			events, err := db.GetRecentEvents(cmd.Context(), 10)
			if err != nil {
				logger.Error("Error getting recent events", "error", err)
				os.Exit(1)
			}
			for _, e := range events {
				fmt.Printf("%s\trow %d\t%s\t%s\t%s\n",
					e.TakenAt.Format(time.RFC3339), e.RowIndex, e.Proxy, e.Purpose, e.RequesterID)
			}
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	addProxiesCmd.Flags().StringSlice("purposes", nil, "Purposes the new proxies are already used for")
	addProxiesCmd.Flags().Int("days", 30, "Days until the proxies expire")
	addProxiesCmd.Flags().String("type", "http", "Proxy type (http or socks5)")

	listCmd.Flags().String("region", "", "Filter by region code")
	listCmd.Flags().Int("limit", 0, "Limit number of results")

	takeCmd.Flags().String("requester", "cli", "Requester identifier recorded with the allocation")
	releaseCmd.Flags().String("requester", "cli", "Requester whose reservations to release")

	rootCmd.AddCommand(addProxiesCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(takeCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statsCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.proxy-allocator")
	viper.AddConfigPath("/etc/proxy-allocator/")

	viper.SetDefault("cache.ttl_seconds", 60)
	viper.SetDefault("reservation.ttl_seconds", 300)
	viper.SetDefault("reservation.sweep_seconds", 60)
	viper.SetDefault("sheets.rate_limit", 1.0)
	viper.SetDefault("checker.max_workers", 5)
	viper.SetDefault("checker.timeout_seconds", 10)
	viper.SetDefault("checker.probe_addr", "www.gstatic.com:443")
	viper.SetDefault("checker.probe_url", "http://www.gstatic.com/generate_204")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

// initService wires the store, cache, reservation table and optional
// Postgres audit log into an allocation service, and starts the
// background reservation sweeper for the life of the process.
func initService(ctx context.Context) (*allocator.Service, *database.DB, error) {
	st, err := store.NewSheetsStore(ctx, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating sheets store: %v", err)
	}

	cache := inventory.New(st,
		time.Duration(viper.GetInt("cache.ttl_seconds"))*time.Second, logger)
	table := reservation.NewTable(
		time.Duration(viper.GetInt("reservation.ttl_seconds"))*time.Second, logger)

	sweeper := reservation.NewSweeper(table,
		time.Duration(viper.GetInt("reservation.sweep_seconds"))*time.Second, logger)
	go sweeper.Run(ctx)

	var db *database.DB
	var audit allocator.AuditLog
	if viper.GetString("database.host") != "" {
		db, err = database.NewDB()
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to database: %v", err)
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("error initializing database schema: %v", err)
		}
		audit = db
	}

	svc := allocator.NewService(st, cache, table, geoip.Lookup, audit, logger)
	return svc, db, nil
}

func closeDB(db *database.DB) {
	if db != nil {
		db.Close()
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
