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

	"gorm.io/gorm"

	"github.com/agentberlin/greenlight"
)

// GetOrCreateSite gets or creates a site by domain
func (s *Store) GetOrCreateSite(domain string, seedURL string) (*Site, error) {
	var site Site
	result := s.db.Where("domain = ?", domain).First(&site)

	if result.Error == gorm.ErrRecordNotFound {
		site = Site{
			Domain:  domain,
			SeedURL: seedURL,
			Slug:    greenlight.DomainSlug(domain),
		}
		if err := s.db.Create(&site).Error; err != nil {
			return nil, fmt.Errorf("failed to create site: %v", err)
		}
		return &site, nil
	}

	if result.Error != nil {
		return nil, fmt.Errorf("failed to get site: %v", result.Error)
	}

	// Keep the seed URL current; the domain is the identity.
	if site.SeedURL != seedURL && seedURL != "" {
		site.SeedURL = seedURL
		s.db.Save(&site)
	}

	return &site, nil
}

// GetSiteByDomain gets a site by domain
func (s *Store) GetSiteByDomain(domain string) (*Site, error) {
	var site Site
	result := s.db.Where("domain = ?", domain).First(&site)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get site: %v", result.Error)
	}
	return &site, nil
}

// GetSiteByID gets a site by ID
func (s *Store) GetSiteByID(id uint) (*Site, error) {
	var site Site
	result := s.db.First(&site, id)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get site: %v", result.Error)
	}
	return &site, nil
}

// GetAllSites returns all sites with their latest run attached
func (s *Store) GetAllSites() ([]Site, error) {
	var sites []Site
	result := s.db.Order("id ASC").Find(&sites)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get sites: %v", result.Error)
	}

	for i := range sites {
		var latest AuditRun
		err := s.db.Where("site_id = ?", sites[i].ID).
			Order("started_at DESC").
			First(&latest).Error

		if err == nil {
			sites[i].Runs = []AuditRun{latest}
		} else if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("failed to get latest run for site %d: %v", sites[i].ID, err)
		}
	}

	return sites, nil
}

// DeleteSite deletes a site and all its runs (cascade)
func (s *Store) DeleteSite(siteID uint) error {
	result := s.db.Delete(&Site{}, siteID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("site with ID %d not found", siteID)
	}
	return nil
}
