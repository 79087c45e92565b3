package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/database"
	"github.com/qs3c/archmind/internal/pkg/cache"
	"github.com/qs3c/archmind/internal/pkg/oss"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/pkg/vectorstore"
	"github.com/qs3c/archmind/internal/repository"
	"github.com/qs3c/archmind/internal/service"
	"github.com/qs3c/archmind/internal/worker"
)

var (
	dryRun      = flag.Bool("dry-run", true, "Dry run mode, only report what would be removed")
	cloneExpire = flag.Int("clone-expire", 24, "Hours to keep clone directories")
	cleanClones = flag.Bool("clean-clones", true, "Remove expired clone directories")
	resetStatus = flag.Bool("reset-status", false, "Reset the analysis status to idle")
	reapStale   = flag.Bool("reap-stale", false, "Mark an abandoned analysis as failed")
	purgeIndex  = flag.String("purge-index", "", "Repository URL whose vector index should be deleted")
	reupload    = flag.Bool("reupload", false, "Upload local archives to OSS")
	deleteUser  = flag.Int64("delete-user", 0, "Delete a user together with their history")
	noColor     = flag.Bool("no-color", false, "Disable colored output")
)

func main() {
	flag.Parse()

	log.Println("Starting cleanup task...")
	log.Printf("Mode: dry-run=%v", *dryRun)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var summary []string

	// 1. 过期克隆目录
	if *cleanClones {
		maxAge := time.Duration(*cloneExpire) * time.Hour
		log.Printf("Cleaning clone directories in %s (older than %s)...", cfg.Analysis.CloneDir, maxAge)
		count, size := cleanExpiredClones(cfg.Analysis.CloneDir, maxAge, time.Now(), *dryRun)
		summary = append(summary, formatCount("clone directories", count, size))
	}

	// 2. 状态重置 / 回收
	if *resetStatus || *reapStale {
		if *dryRun {
			log.Println("Skipping status changes in dry-run mode")
		} else if err := fixStatus(ctx, cfg, *resetStatus); err != nil {
			log.Printf("Failed to update status: %v", err)
		} else {
			summary = append(summary, "status updated")
		}
	}

	// 3. 删除单个仓库的向量索引
	if *purgeIndex != "" {
		if *dryRun {
			log.Printf("Would purge vector index of %s", *purgeIndex)
		} else if err := purgeRepositoryIndex(cfg, *purgeIndex); err != nil {
			log.Printf("Failed to purge index: %v", err)
		} else {
			summary = append(summary, "index purged: "+*purgeIndex)
		}
	}

	// 4. 本地归档补传
	if *reupload && !*dryRun {
		n, err := reuploadArchives(ctx, cfg)
		if err != nil {
			log.Printf("Failed to re-upload archives: %v", err)
		} else {
			summary = append(summary, formatCount("archives uploaded", n, 0))
		}
	}

	// 5. 删除用户（级联历史）
	if *deleteUser > 0 {
		if *dryRun {
			log.Printf("Would delete user %d and their history", *deleteUser)
		} else if err := removeUser(ctx, cfg, *deleteUser); err != nil {
			log.Printf("Failed to delete user %d: %v", *deleteUser, err)
		} else {
			summary = append(summary, fmt.Sprintf("user %d deleted", *deleteUser))
		}
	}

	printSummary(summary, *dryRun)
}

// printSummary 汇总输出到 stdout，终端下带颜色
func printSummary(summary []string, dryRun bool) {
	if *noColor {
		color.NoColor = true
	}
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println(strings.Repeat("=", 60))
	bold.Println("Cleanup Summary")
	if len(summary) == 0 {
		fmt.Println("  nothing to do")
	}
	for _, line := range summary {
		green.Printf("  %s\n", line)
	}
	if dryRun {
		yellow.Println("DRY RUN MODE - nothing was changed, run with -dry-run=false to apply")
	}
	fmt.Println(strings.Repeat("=", 60))
}

// fixStatus reset 为 true 时无条件写 idle，否则只回收失联的 processing
func fixStatus(ctx context.Context, cfg *config.Config, reset bool) error {
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		return err
	}

	var store status.Store
	if cfg.Status.Backend == "redis" {
		rdb, err := database.NewRedis(&cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		store, err = status.New(&cfg.Status, rdb)
		if err != nil {
			return err
		}
	} else if store, err = status.New(&cfg.Status, nil); err != nil {
		return err
	}

	logRepo := repository.NewAnalysisLogRepository(db)
	analysisService := service.NewAnalysisService(
		logRepo,
		service.NewQuotaService(logRepo, &cfg.Quota),
		store,
		nil,
		&cfg.Analysis,
	)

	if reset {
		log.Println("Resetting analysis status to idle")
		return analysisService.ResetStatus(ctx)
	}

	reaped, err := analysisService.ReapStale(ctx)
	if err != nil {
		return err
	}
	log.Printf("Stale analysis reaped: %v", reaped)
	return nil
}

func reuploadArchives(ctx context.Context, cfg *config.Config) (int, error) {
	if !oss.Enabled(&cfg.OSS) {
		log.Println("OSS is not configured, nothing to upload")
		return 0, nil
	}
	client, err := oss.NewClient(&cfg.OSS)
	if err != nil {
		return 0, err
	}
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		return 0, err
	}

	r := worker.NewReuploader(repository.NewAnalysisLogRepository(db), client, cfg.Analysis.ArchiveDir)
	return r.RunOnce(ctx), nil
}

// removeUser 删除用户的归档与历史，并清掉历史列表缓存
func removeUser(ctx context.Context, cfg *config.Config, userID int64) error {
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		return err
	}
	var remover ArchiveRemover
	if oss.Enabled(&cfg.OSS) {
		client, err := oss.NewClient(&cfg.OSS)
		if err != nil {
			return err
		}
		remover = client
	}
	n, err := purgeUserArchives(repository.NewAnalysisLogRepository(db), remover, cfg.Analysis.ArchiveDir, userID)
	if err != nil {
		return err
	}
	log.Printf("Removed %d archives of user %d", n, userID)

	if err := repository.NewUserRepository(db).Delete(userID); err != nil {
		return err
	}

	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Printf("Redis unavailable, history cache of user %d expires on its own: %v", userID, err)
		return nil
	}
	defer rdb.Close()
	return cache.NewHistoryCache(rdb, cfg.History.CacheTTL()).Invalidate(ctx, userID)
}

func purgeRepositoryIndex(cfg *config.Config, repoURL string) error {
	store, err := vectorstore.New(&cfg.Vector)
	if err != nil {
		return err
	}
	return purgeIndexFor(store, repoURL)
}
