package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/joho/godotenv"

	"lipsync-service/internal"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/s3"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	var (
		list   = flag.Bool("list", false, "List archived job records")
		sweep  = flag.Bool("sweep", false, "Delete archived objects older than -max-age")
		maxAge = flag.Duration("max-age", 0, "Age threshold for -sweep (defaults to ARCHIVE_MAX_AGE)")
		fetch  = flag.String("fetch", "", "Download one archived object by key")
		out    = flag.String("out", "", "Destination for -fetch (defaults to the key's base name)")
	)
	flag.Parse()

	if !*list && !*sweep && *fetch == "" {
		fmt.Println("Usage: sync [-list] [-sweep [-max-age 720h]] [-fetch KEY [-out FILE]]")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  -list       List archived job records")
		fmt.Println("  -sweep      Delete archived objects older than -max-age")
		fmt.Println("  -fetch KEY  Download one archived object")
		os.Exit(1)
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New("sync.log")
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	client, err := s3.New(cfg)
	if err != nil {
		log.Errorf("Error creating S3 client: %v", err)
		os.Exit(1)
	}
	archive := s3.NewArchive(client, cfg.ArchivePrefix, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	failed := false
	if *list {
		records, err := archive.Records(ctx)
		if err != nil {
			log.Errorf("Error listing archive: %v", err)
			failed = true
		}
		for _, r := range records {
			fmt.Printf("%s  %8d  %s\n", r.LastModified.Format(time.RFC3339), r.Size, r.Key)
		}
		fmt.Printf("%d records\n", len(records))
	}

	if *sweep {
		age := *maxAge
		if age == 0 {
			age = cfg.ArchiveMaxAge
		}
		if age <= 0 {
			fmt.Println("-sweep needs -max-age or ARCHIVE_MAX_AGE")
			os.Exit(1)
		}
		fmt.Printf("=== Deleting archived objects older than %s ===\n", age)
		n, err := archive.DeleteOlderThan(ctx, age)
		if err != nil {
			log.Errorf("Error sweeping archive: %v", err)
			fmt.Printf("❌ Error sweeping archive: %v\n", err)
			failed = true
		} else {
			fmt.Printf("✅ Deleted %d objects\n", n)
		}
	}

	if *fetch != "" {
		dst := *out
		if dst == "" {
			dst = path.Base(*fetch)
		}
		n, err := client.Download(ctx, *fetch, dst)
		if err != nil {
			log.Errorf("Error downloading %s: %v", *fetch, err)
			failed = true
		} else {
			fmt.Printf("✅ %s -> %s (%d bytes)\n", *fetch, dst, n)
		}
	}

	if failed {
		os.Exit(1)
	}
}
