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

// RecordStage upserts the stage record for a run. A stage executes at
// most once per run, so a second write for the same (run, stage) replaces
// the first.
func (s *Store) RecordStage(runID uint, stage string, ok bool, duration time.Duration, errs []string) (*StageRecord, error) {
	var record StageRecord
	result := s.db.Where("run_id = ? AND stage = ?", runID, stage).First(&record)

	if result.Error == gorm.ErrRecordNotFound {
		record = StageRecord{RunID: runID, Stage: stage}
	} else if result.Error != nil {
		return nil, fmt.Errorf("failed to look up stage record: %v", result.Error)
	}

	record.OK = ok
	record.DurationMS = duration.Milliseconds()
	if err := record.SetErrorsArray(errs); err != nil {
		return nil, fmt.Errorf("failed to encode stage errors: %v", err)
	}

	if err := s.db.Save(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to record stage: %v", err)
	}
	return &record, nil
}

// GetStagesForRun returns the stage records for a run in execution order
func (s *Store) GetStagesForRun(runID uint) ([]StageRecord, error) {
	var records []StageRecord
	result := s.db.Where("run_id = ?", runID).Order("id ASC").Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get stages for run %d: %v", runID, result.Error)
	}
	return records, nil
}
