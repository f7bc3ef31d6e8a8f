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

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// StartRun creates a running AuditRun for a site
func (s *Store) StartRun(siteID uint, startStage string) (*AuditRun, error) {
	run := AuditRun{
		SiteID:     siteID,
		Status:     RunStatusRunning,
		StartStage: startStage,
		StartedAt:  time.Now().Unix(),
	}
	if err := s.db.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to create run: %v", err)
	}
	return &run, nil
}

// UpdateRunStats updates a run with given fields
func (s *Store) UpdateRunStats(runID uint, updates map[string]interface{}) error {
	result := s.db.Model(&AuditRun{}).Where("id = ?", runID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update run: %v", result.Error)
	}
	return nil
}

// FinishRun marks a run terminal with the given status. errMsg is stored
// for failed runs and ignored otherwise.
func (s *Store) FinishRun(runID uint, status string, errMsg string) error {
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": time.Now().Unix(),
	}
	if status == RunStatusFailed && errMsg != "" {
		updates["error"] = errMsg
	}
	result := s.db.Model(&AuditRun{}).Where("id = ?", runID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to finish run: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run with ID %d not found", runID)
	}
	return nil
}

// GetRunByID gets a run by ID with its site attached
func (s *Store) GetRunByID(id uint) (*AuditRun, error) {
	var run AuditRun
	result := s.db.First(&run, id)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get run: %v", result.Error)
	}

	var site Site
	if err := s.db.First(&site, run.SiteID).Error; err == nil {
		run.Site = &site
	}
	return &run, nil
}

// GetRunsForSite returns all runs for a site, newest first
func (s *Store) GetRunsForSite(siteID uint) ([]AuditRun, error) {
	var runs []AuditRun
	result := s.db.Where("site_id = ?", siteID).
		Order("started_at DESC").
		Find(&runs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get runs for site %d: %v", siteID, result.Error)
	}
	return runs, nil
}

// GetLatestRunForSite returns the most recent run for a site
func (s *Store) GetLatestRunForSite(siteID uint) (*AuditRun, error) {
	var run AuditRun
	result := s.db.Where("site_id = ?", siteID).
		Order("started_at DESC").
		First(&run)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get latest run for site %d: %v", siteID, result.Error)
	}
	return &run, nil
}

// GetRecentRuns returns the most recent runs across all sites, with their
// sites attached
func (s *Store) GetRecentRuns(limit int) ([]AuditRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []AuditRun
	result := s.db.Order("started_at DESC").Limit(limit).Find(&runs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get recent runs: %v", result.Error)
	}

	for i := range runs {
		var site Site
		err := s.db.First(&site, runs[i].SiteID).Error
		if err == nil {
			runs[i].Site = &site
		} else if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("failed to get site for run %d: %v", runs[i].ID, err)
		}
	}
	return runs, nil
}
