// Package his connects to an external hospital information system over
// SQL Server and keeps a read-only snapshot of reference data: the
// hospitals and departments cases can be booked against. The platform
// never writes to the HIS.
package his

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/surgicase/platform/internal/shared/config"
)

// Hospital is a bookable hospital as known to the HIS
type Hospital struct {
	Code    string    `json:"code"`
	Name    string    `json:"name"`
	Country string    `json:"country"`
	City    string    `json:"city,omitempty"`
	Active  bool      `json:"active"`
	Updated time.Time `json:"updated"`
}

// Department is a hospital department as known to the HIS
type Department struct {
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	HospitalCode string    `json:"hospital_code"`
	Active       bool      `json:"active"`
	Updated      time.Time `json:"updated"`
}

// Adapter polls the HIS for reference data and serves it from an
// in-memory snapshot. Lookups never touch the remote system.
type Adapter struct {
	config config.HISConfig

	db *sql.DB

	mu          sync.RWMutex
	running     bool
	hospitals   map[string]Hospital   // keyed by code
	departments map[string]Department // keyed by code
	lastSync    time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new HIS adapter
func New(cfg config.HISConfig) *Adapter {
	return &Adapter{
		config:      cfg,
		hospitals:   make(map[string]Hospital),
		departments: make(map[string]Department),
	}
}

// Start opens the connection, performs the initial sync and starts
// the polling loop
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("adapter already running")
	}

	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s;encrypt=true;TrustServerCertificate=true",
		a.config.Host,
		a.config.Port,
		a.config.Database,
		a.config.User,
		a.config.Password,
	)

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return fmt.Errorf("failed to open HIS database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping HIS database: %w", err)
	}

	a.db = db
	a.running = true

	if err := a.syncLocked(ctx); err != nil {
		// Initial sync failure is not fatal, the poll loop retries
		fmt.Printf("Warning: initial HIS sync failed: %v\n", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.pollLoop(pollCtx)

	return nil
}

// Stop stops polling and closes the connection
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if a.db != nil {
		a.db.Close()
	}

	a.running = false
	return nil
}

// Health checks HIS connectivity
func (a *Adapter) Health(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.running {
		return fmt.Errorf("adapter not running")
	}

	return a.db.PingContext(ctx)
}

// IsConnected returns connection status
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running && a.db != nil
}

// SourceSystem returns the source system name
func (a *Adapter) SourceSystem() string {
	return "his"
}

// LastSync returns the time of the last successful sync
func (a *Adapter) LastSync() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSync
}

// Hospitals returns the active hospitals for a country, or all active
// hospitals when country is empty
func (a *Adapter) Hospitals(country string) []Hospital {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []Hospital
	for _, h := range a.hospitals {
		if !h.Active {
			continue
		}
		if country != "" && h.Country != country {
			continue
		}
		result = append(result, h)
	}
	return result
}

// Departments returns the active departments of a hospital
func (a *Adapter) Departments(hospitalCode string) []Department {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []Department
	for _, d := range a.departments {
		if !d.Active {
			continue
		}
		if hospitalCode != "" && d.HospitalCode != hospitalCode {
			continue
		}
		result = append(result, d)
	}
	return result
}

// KnownHospital reports whether a hospital name or code is known and active
func (a *Adapter) KnownHospital(nameOrCode string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if h, ok := a.hospitals[nameOrCode]; ok {
		return h.Active
	}
	for _, h := range a.hospitals {
		if h.Name == nameOrCode {
			return h.Active
		}
	}
	return false
}

// pollLoop re-syncs the snapshot on the configured interval
func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			err := a.syncLocked(ctx)
			a.mu.Unlock()
			if err != nil {
				// Log and keep serving the previous snapshot
				fmt.Printf("Error syncing HIS reference data: %v\n", err)
			}
		}
	}
}

// syncLocked refreshes hospitals and departments. Caller holds a.mu.
func (a *Adapter) syncLocked(ctx context.Context) error {
	hospitals, err := a.fetchHospitals(ctx)
	if err != nil {
		return err
	}

	departments, err := a.fetchDepartments(ctx)
	if err != nil {
		return err
	}

	a.hospitals = hospitals
	a.departments = departments
	a.lastSync = time.Now()

	return nil
}

// fetchHospitals reads the hospital table
func (a *Adapter) fetchHospitals(ctx context.Context) (map[string]Hospital, error) {
	query := fmt.Sprintf(`
		SELECT
			HospitalCode,
			HospitalName,
			CountryCode,
			City,
			IsActive,
			LastModified
		FROM %s
	`, a.config.HospitalTable)

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hospitals: %w", err)
	}
	defer rows.Close()

	hospitals := make(map[string]Hospital)
	for rows.Next() {
		var h Hospital
		var city sql.NullString
		var updated sql.NullTime

		if err := rows.Scan(&h.Code, &h.Name, &h.Country, &city, &h.Active, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan hospital: %w", err)
		}

		if city.Valid {
			h.City = city.String
		}
		if updated.Valid {
			h.Updated = updated.Time
		}

		hospitals[h.Code] = h
	}

	return hospitals, rows.Err()
}

// fetchDepartments reads the department table
func (a *Adapter) fetchDepartments(ctx context.Context) (map[string]Department, error) {
	query := fmt.Sprintf(`
		SELECT
			DepartmentCode,
			DepartmentName,
			HospitalCode,
			IsActive,
			LastModified
		FROM %s
	`, a.config.DepartmentTable)

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query departments: %w", err)
	}
	defer rows.Close()

	departments := make(map[string]Department)
	for rows.Next() {
		var d Department
		var updated sql.NullTime

		if err := rows.Scan(&d.Code, &d.Name, &d.HospitalCode, &d.Active, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan department: %w", err)
		}

		if updated.Valid {
			d.Updated = updated.Time
		}

		departments[d.Code] = d
	}

	return departments, rows.Err()
}
