package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kiwidesk/api/internal/app"
	"kiwidesk/api/internal/archive"
	"kiwidesk/api/internal/config"
	"kiwidesk/api/internal/email"
	"kiwidesk/api/internal/pdftext"
	"kiwidesk/api/internal/scan"
	"kiwidesk/api/internal/schema"
	"kiwidesk/api/internal/search"
	"kiwidesk/api/internal/session"
	"kiwidesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewMemory())

	var sessionStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessionStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessionStore.Close()
	} else {
		log.Printf("WARNING: no redis configured, sessions and record cache disabled")
	}

	var archiveService *archive.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveService, err = archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
	}

	var emailService *email.Service
	if cfg.SMTPHost != "" {
		emailService = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	var fetcher scan.TextFetcher
	if strings.TrimSpace(cfg.PDFTextURL) != "" {
		fetcher = pdftext.NewClient(cfg.PDFTextURL, cfg.PDFAllowlist)
	}

	catalog := schema.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = schema.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("catalog load failed: %v", err)
		}
	}

	service := app.New(cfg, dataStore, sessionStore, searchService, archiveService, emailService, fetcher, catalog)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-janitorCtx.Done():
				return
			case <-ticker.C:
				if n, err := dataStore.PurgeExpiredSessions(janitorCtx, cfg.SessionRetention); err != nil {
					log.Printf("session purge failed: %v", err)
				} else if n > 0 {
					log.Printf("purged %d expired workbook sessions", n)
				}
			}
		}
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("kiwidesk API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
