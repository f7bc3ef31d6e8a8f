package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/agentberlin/greenlight"
)

func main() {
	urlFlag := flag.String("url", "", "URL to crawl")
	maxFlag := flag.Int("max", 50, "Maximum pages to crawl")
	renderFlag := flag.Bool("r", false, "Keep headless Chrome rendering for every page")
	flag.Parse()

	if *urlFlag == "" {
		log.Fatal("Please provide a URL to crawl with the --url flag")
	}

	renderMode := greenlight.RenderHybrid
	if *renderFlag {
		renderMode = greenlight.RenderAlways
	}

	crawler, err := greenlight.NewCrawler(greenlight.CrawlerConfig{
		StartURLs:        []string{*urlFlag},
		MaxURLsPerDomain: *maxFlag,
		RenderMode:       renderMode,
	})
	if err != nil {
		log.Fatalf("Failed to create crawler: %v", err)
	}

	crawler.OnRequest(func(r *greenlight.CrawlRequest) {
		fmt.Println("Crawling:", r.URL)
	})

	crawler.OnPageCrawled(func(page *greenlight.PageResult) {
		fmt.Printf("  > Status: %d\n", page.StatusCode)
		fmt.Printf("  > Title: %s\n", page.Title)
		fmt.Printf("  > Mode: %s\n", page.Mode)
		if page.NewTemplate {
			fmt.Printf("  > New template: %s\n", page.TemplateID)
		}
	})

	crawler.OnError(func(url string, err error) {
		fmt.Printf("  > Error: %v\n", err)
	})

	summary, err := crawler.Run(context.Background())
	if err != nil {
		log.Fatalf("Crawl failed: %v", err)
	}

	fmt.Printf("\nCrawled %d pages, %d templates, in %s\n",
		summary.PagesCrawled, summary.Templates, summary.Duration.Round(100*time.Millisecond))
}
