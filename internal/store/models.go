// Copyright 2025 Agentic World, LLC (Sherin Thomas)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import "encoding/json"

// Site represents an audited website
type Site struct {
	ID        uint       `gorm:"primaryKey"`
	Domain    string     `gorm:"uniqueIndex;not null"` // bare host, e.g. "shop.example.com"
	SeedURL   string     `gorm:"not null"`             // normalized start URL
	Slug      string     `gorm:"not null"`             // output directory slug
	Runs      []AuditRun `gorm:"foreignKey:SiteID;constraint:OnDelete:CASCADE"`
	CreatedAt int64      `gorm:"autoCreateTime"`
	UpdatedAt int64      `gorm:"autoUpdateTime"`
}

// Run status constants
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// AuditRun represents a single audit pipeline execution for a site
type AuditRun struct {
	ID             uint          `gorm:"primaryKey"`
	SiteID         uint          `gorm:"not null;index"`
	Status         string        `gorm:"not null;default:'running'"` // running, completed, failed, canceled
	StartStage     string        `gorm:"not null;default:'crawler'"`
	StartedAt      int64         `gorm:"not null"` // unix seconds
	FinishedAt     int64         `gorm:"default:0"`
	PagesCrawled   int           `gorm:"default:0"`
	PagesScanned   int           `gorm:"default:0"`
	ViolationCount int           `gorm:"default:0"`
	Score          float64       `gorm:"default:0"` // conformance score from the analysis stage
	ReportPath     string        `gorm:"type:text"` // analysis.json location
	Error          string        `gorm:"type:text"` // terminal error for failed runs
	Site           *Site         `gorm:"foreignKey:SiteID;constraint:OnDelete:CASCADE"`
	Stages         []StageRecord `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	CreatedAt      int64         `gorm:"autoCreateTime"`
	UpdatedAt      int64         `gorm:"autoUpdateTime"`
}

// StageRecord represents one pipeline stage execution within a run
type StageRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      uint   `gorm:"not null;index:idx_run_stage"`
	Stage      string `gorm:"not null;index:idx_run_stage"` // crawler, auth, axe, funnel, analysis
	OK         bool   `gorm:"not null;default:false"`
	DurationMS int64  `gorm:"not null;default:0"`
	Errors     string `gorm:"type:text"` // JSON array of error strings
	CreatedAt  int64  `gorm:"autoCreateTime"`
	UpdatedAt  int64  `gorm:"autoUpdateTime"`
}

// GetErrorsArray deserializes the Errors JSON to []string
func (r *StageRecord) GetErrorsArray() []string {
	if r.Errors == "" {
		return nil
	}
	var errs []string
	if err := json.Unmarshal([]byte(r.Errors), &errs); err != nil {
		return nil
	}
	return errs
}

// SetErrorsArray serializes []string to JSON for Errors
func (r *StageRecord) SetErrorsArray(errs []string) error {
	if len(errs) == 0 {
		r.Errors = ""
		return nil
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return err
	}
	r.Errors = string(data)
	return nil
}
