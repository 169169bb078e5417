// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CycleState names the phases of one sync cycle.
type CycleState int

const (
	StateIdle CycleState = iota
	StateCheckingAvailability
	StatePushingOwnerChanges
	StateMirroringToSharedZones
	StatePullingSharedChanges
	StateProcessingQueue
)

func (s CycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingAvailability:
		return "checking-availability"
	case StatePushingOwnerChanges:
		return "pushing-owner-changes"
	case StateMirroringToSharedZones:
		return "mirroring-to-shared-zones"
	case StatePullingSharedChanges:
		return "pulling-shared-changes"
	case StateProcessingQueue:
		return "processing-queue"
	default:
		return fmt.Sprintf("CycleState(%d)", int(s))
	}
}

// CycleStatus is the terminal status of a sync cycle. The caller always gets
// one of these, never a raw low-level error surfaced verbatim.
type CycleStatus int

const (
	CycleSucceeded CycleStatus = iota
	CyclePartiallySucceeded
	CycleQueued
	CycleFailed
)

func (s CycleStatus) String() string {
	switch s {
	case CycleSucceeded:
		return "succeeded"
	case CyclePartiallySucceeded:
		return "partially-succeeded"
	case CycleQueued:
		return "queued"
	case CycleFailed:
		return "failed"
	default:
		return fmt.Sprintf("CycleStatus(%d)", int(s))
	}
}

// CycleResult is the per-cycle report: terminal status, counters, the
// aggregated entity-level errors, and any field conflicts surfaced for the
// caller to present to a human.
type CycleResult struct {
	Status    CycleStatus
	Pushed    int
	Mirrored  int
	Pulled    int
	Replayed  int
	Queued    int
	Errors    []EntityError
	Conflicts []FieldConflict
	Err       error // set for CycleFailed
	StartedAt time.Time
	EndedAt   time.Time
}

// CycleObserver receives engine events. It replaces broadcast-notification
// signaling: the core never touches UI, the caller decides what a state
// change means.
type CycleObserver interface {
	StateChanged(state CycleState)
	ConflictsSurfaced(conflicts []FieldConflict)
	CycleFinished(result *CycleResult)
}

// Config holds orchestrator tuning.
type Config struct {
	// OpTimeout bounds every individual remote operation. A timeout is a
	// transient failure (entity skipped) except for the availability check,
	// which short-circuits the cycle into queued mode.
	OpTimeout time.Duration
	Retry     RetryPolicy
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() *Config {
	return &Config{
		OpTimeout: 30 * time.Second,
		Retry:     DefaultRetryPolicy(),
	}
}

// Orchestrator drives the full sync cycle: push owner changes to the
// private zone, mirror them into accepted shared zones, pull
// student-originated changes back, then drain the offline queue. Exactly one
// cycle runs at a time; a concurrent request no-ops with
// ErrCycleInProgress.
type Orchestrator struct {
	store    *Store
	remote   RemoteStore
	mapper   *Mapper
	detector *Detector
	queue    *Queue
	config   *Config
	logger   *slog.Logger

	running int32

	mu         sync.Mutex
	observer   CycleObserver
	lastResult *CycleResult
	pending    []FieldConflict
}

// NewOrchestrator wires the engine together. All collaborators are injected
// explicitly; there is no ambient global service state.
func NewOrchestrator(store *Store, remote RemoteStore, mapper *Mapper, detector *Detector, queue *Queue, config *Config, logger *slog.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		remote:   remote,
		mapper:   mapper,
		detector: detector,
		queue:    queue,
		config:   config,
		logger:   logger,
	}
}

// SetObserver installs the event observer; pass nil to remove it.
func (o *Orchestrator) SetObserver(obs CycleObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = obs
}

// LastResult returns the result of the most recent cycle, nil before the
// first one finishes.
func (o *Orchestrator) LastResult() *CycleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// PendingConflicts returns the field conflicts surfaced by past cycles that
// the caller has not acknowledged yet.
func (o *Orchestrator) PendingConflicts() []FieldConflict {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]FieldConflict, len(o.pending))
	copy(out, o.pending)
	return out
}

// AcknowledgeConflicts clears the pending conflict list after the caller has
// presented (or resolved) them.
func (o *Orchestrator) AcknowledgeConflicts() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
}

func (o *Orchestrator) setState(state CycleState) {
	o.mu.Lock()
	obs := o.observer
	o.mu.Unlock()
	if obs != nil {
		obs.StateChanged(state)
	}
}

func (o *Orchestrator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.config.OpTimeout)
}

// RunCycle executes one full sync cycle and returns its report. A cycle
// already in progress returns ErrCycleInProgress; cancellation between
// entities aborts the remainder of the cycle and never removes unsent queue
// entries.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !atomic.CompareAndSwapInt32(&o.running, 0, 1) {
		return nil, ErrCycleInProgress
	}
	defer atomic.StoreInt32(&o.running, 0)

	res := &CycleResult{StartedAt: time.Now().UTC()}
	defer func() {
		res.EndedAt = time.Now().UTC()
		o.mu.Lock()
		o.lastResult = res
		o.pending = append(o.pending, res.Conflicts...)
		obs := o.observer
		o.mu.Unlock()
		o.setState(StateIdle)
		if obs != nil {
			if len(res.Conflicts) > 0 {
				obs.ConflictsSurfaced(res.Conflicts)
			}
			obs.CycleFinished(res)
		}
	}()

	o.setState(StateCheckingAvailability)
	if err := o.checkAvailability(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			res.Status = CycleFailed
			res.Err = err
			return res, nil
		}
		// Remote unreachable: skip all remote phases and queue the dirty
		// local state for replay on a later cycle.
		o.logger.Info("remote store unavailable; queuing local changes", "error", err)
		if qerr := o.queueDirtyChanges(ctx, res); qerr != nil {
			res.Status = CycleFailed
			res.Err = qerr
			return res, nil
		}
		res.Status = CycleQueued
		return res, nil
	}

	phases := []struct {
		state CycleState
		run   func(context.Context, *CycleResult) error
	}{
		{StatePushingOwnerChanges, o.pushOwnerChanges},
		{StateMirroringToSharedZones, o.mirrorToSharedZones},
		{StatePullingSharedChanges, o.pullSharedChanges},
		{StateProcessingQueue, o.processQueue},
	}
	for _, phase := range phases {
		o.setState(phase.state)
		if err := phase.run(ctx, res); err != nil {
			// Store-wide failures abort the remaining states; pending local
			// changes stay dirty and are picked up next cycle.
			res.Status = CycleFailed
			res.Err = err
			return res, nil
		}
	}

	if len(res.Errors) > 0 {
		res.Status = CyclePartiallySucceeded
	} else {
		res.Status = CycleSucceeded
	}
	return res, nil
}

func (o *Orchestrator) checkAvailability(ctx context.Context) error {
	opCtx, cancel := o.opCtx(ctx)
	defer cancel()
	if err := o.remote.CheckAvailability(opCtx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// abortWorthy reports errors that must stop the whole cycle rather than
// skip one entity. Per-op deadline expiry is deliberately absent: it is
// wrapped as transient by classifyRemoteErr and skips just the one entity.
func abortWorthy(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrCorruptStore) ||
		errors.Is(err, context.Canceled)
}

// recordEntityError aggregates a per-entity failure into the cycle report.
func (o *Orchestrator) recordEntityError(res *CycleResult, entityType, entityID string, err error) {
	o.logger.Warn("entity skipped this cycle", "type", entityType, "id", entityID, "error", err)
	res.Errors = append(res.Errors, EntityError{EntityType: entityType, EntityID: entityID, Err: err})
}

// ---------------------------------------------------------------------------
// Push

// pushPlan is one entity ready to push, with the hooks needed to write back
// the outcome without the push loop knowing entity internals.
type pushPlan struct {
	entityType   string
	entityID     uuid.UUID
	lastModified time.Time
	record       *Record
	// applyRemote materializes the remote-newer or merged state locally.
	applyRemote func(ctx context.Context, rec *Record, syncedAt time.Time) error
	// afterSave runs once the private-zone save is acknowledged (push child
	// records, for example). May be nil.
	afterSave func(ctx context.Context, saved *Record) error
}

func (o *Orchestrator) pushOwnerChanges(ctx context.Context, res *CycleResult) error {
	// Deletions go first so re-created hierarchies do not collide with
	// records awaiting removal.
	if err := o.pushTombstones(ctx, res); err != nil {
		return err
	}

	plans, err := o.collectPushPlans(ctx)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.pushEntity(ctx, ZonePrivate, plan, res, true); err != nil {
			if abortWorthy(err) {
				return err
			}
			o.recordEntityError(res, plan.entityType, plan.entityID.String(), err)
		}
	}
	return nil
}

// collectPushPlans gathers dirty entities parent-before-child so parent
// references exist remotely before children arrive.
func (o *Orchestrator) collectPushPlans(ctx context.Context) ([]pushPlan, error) {
	var plans []pushPlan

	templates, err := o.store.DirtyTemplates(ctx)
	if err != nil {
		return nil, err
	}
	for i := range templates {
		tpl := templates[i]
		plans = append(plans, pushPlan{
			entityType:   EntityTemplate,
			entityID:     tpl.ID,
			lastModified: tpl.LastModified,
			record:       o.mapper.TemplateToRecord(&tpl),
			applyRemote: func(ctx context.Context, rec *Record, syncedAt time.Time) error {
				remoteTpl, err := o.mapper.TemplateFromRecord(rec)
				if err != nil {
					return err
				}
				remoteTpl.Items = tpl.Items // items sync as child records
				return o.store.ApplyTemplate(ctx, remoteTpl, syncedAt)
			},
			afterSave: func(ctx context.Context, saved *Record) error {
				return o.pushTemplateItems(ctx, ZonePrivate, &tpl, saved.ID)
			},
		})
	}

	students, err := o.store.DirtyStudents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range students {
		st := students[i]
		plans = append(plans, pushPlan{
			entityType:   EntityStudent,
			entityID:     st.ID,
			lastModified: st.LastModified,
			record:       o.mapper.StudentToRecord(&st),
			applyRemote: func(ctx context.Context, rec *Record, syncedAt time.Time) error {
				remoteSt, err := o.mapper.StudentFromRecord(rec)
				if err != nil {
					return err
				}
				remoteSt.ShareID = st.ShareID // share state is local bookkeeping
				return o.store.ApplyStudent(ctx, remoteSt, syncedAt)
			},
		})
	}

	assignments, err := o.store.DirtyAssignments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range assignments {
		a := assignments[i]
		parent, err := o.parentStudentRecordID(ctx, a.StudentID)
		if err != nil {
			return nil, err
		}
		plans = append(plans, pushPlan{
			entityType:   EntityAssignment,
			entityID:     a.ID,
			lastModified: a.LastModified,
			record:       o.mapper.AssignmentToRecord(&a, parent),
			applyRemote: func(ctx context.Context, rec *Record, syncedAt time.Time) error {
				remoteA, err := o.mapper.AssignmentFromRecord(rec)
				if err != nil {
					return err
				}
				return o.store.ApplyAssignment(ctx, remoteA, syncedAt)
			},
		})
	}

	progress, err := o.store.DirtyProgress(ctx)
	if err != nil {
		return nil, err
	}
	for i := range progress {
		p := progress[i]
		plans = append(plans, pushPlan{
			entityType:   EntityProgress,
			entityID:     p.ID,
			lastModified: p.LastModified,
			record:       o.mapper.ProgressToRecord(&p, p.AssignmentID.String()),
			applyRemote: func(ctx context.Context, rec *Record, syncedAt time.Time) error {
				remoteP, err := o.mapper.ProgressFromRecord(rec)
				if err != nil {
					return err
				}
				return o.store.ApplyProgress(ctx, remoteP, syncedAt)
			},
		})
	}

	endorsements, err := o.store.DirtyEndorsements(ctx)
	if err != nil {
		return nil, err
	}
	for i := range endorsements {
		e := endorsements[i]
		parent, err := o.parentStudentRecordID(ctx, e.StudentID)
		if err != nil {
			return nil, err
		}
		plans = append(plans, pushPlan{
			entityType:   EntityEndorsement,
			entityID:     e.ID,
			lastModified: e.LastModified,
			record:       o.mapper.EndorsementToRecord(&e, parent),
			applyRemote: func(ctx context.Context, rec *Record, syncedAt time.Time) error {
				remoteE, err := o.mapper.EndorsementFromRecord(rec)
				if err != nil {
					return err
				}
				return o.store.ApplyEndorsement(ctx, remoteE, syncedAt)
			},
		})
	}

	documents, err := o.store.DirtyDocuments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range documents {
		d := documents[i]
		parent, err := o.parentStudentRecordID(ctx, d.StudentID)
		if err != nil {
			return nil, err
		}
		plans = append(plans, pushPlan{
			entityType:   EntityDocument,
			entityID:     d.ID,
			lastModified: d.LastModified,
			record:       o.mapper.DocumentToRecord(&d, parent),
			applyRemote: func(ctx context.Context, rec *Record, syncedAt time.Time) error {
				remoteD, err := o.mapper.DocumentFromRecord(rec)
				if err != nil {
					return err
				}
				return o.store.ApplyDocument(ctx, remoteD, syncedAt)
			},
		})
	}

	return plans, nil
}

func (o *Orchestrator) parentStudentRecordID(ctx context.Context, studentID uuid.UUID) (string, error) {
	st, err := o.store.GetStudent(ctx, studentID)
	if errors.Is(err, ErrRecordNotFound) {
		return studentID.String(), nil
	}
	if err != nil {
		return "", err
	}
	return recordID(st.RemoteRecordID, st.ID), nil
}

// pushEntity performs one fetch-before-write push. Fetching first preserves
// remote fields this pass does not own: a blind write would erase, for
// example, a student-side comment landed between our cycles.
func (o *Orchestrator) pushEntity(ctx context.Context, zone ZoneID, plan pushPlan, res *CycleResult, private bool) error {
	watermarkType := plan.entityType
	if !private {
		watermarkType = "mirror:" + plan.entityType
	}
	watermark, err := o.store.Watermark(ctx, watermarkType, plan.entityID.String())
	if err != nil {
		return err
	}

	var remote *Record
	err = o.config.Retry.Do(ctx, func(ctx context.Context) error {
		opCtx, cancel := o.opCtx(ctx)
		defer cancel()
		var ferr error
		remote, ferr = o.remote.FetchRecord(opCtx, zone, plan.record.ID)
		if errors.Is(ferr, ErrRecordNotFound) {
			remote = nil
			return nil
		}
		return classifyRemoteErr(ferr)
	})
	if err != nil {
		return err
	}

	toSave := plan.record
	if remote != nil {
		switch o.detector.Detect(plan.lastModified, watermark, remote.ModifiedAt) {
		case NoConflict:
			// Local authoritative, but keep remote-only fields
			merged := remote.Clone()
			for k, v := range plan.record.Fields {
				merged.Fields[k] = v
			}
			merged.ModifiedAt = plan.lastModified
			merged.Type = plan.record.Type
			merged.ParentID = plan.record.ParentID
			toSave = merged
		case RemoteNewer:
			if private && plan.applyRemote != nil {
				if err := plan.applyRemote(ctx, remote, remote.ModifiedAt); err != nil {
					return err
				}
				res.Pulled++
			}
			return nil
		case Diverged:
			merged, conflicts := o.detector.Resolve(plan.record, remote)
			res.Conflicts = append(res.Conflicts, conflicts...)
			if private && plan.applyRemote != nil {
				if err := plan.applyRemote(ctx, merged, watermark); err != nil {
					return err
				}
			}
			toSave = merged
		}
	}

	var saved *Record
	err = o.config.Retry.Do(ctx, func(ctx context.Context) error {
		opCtx, cancel := o.opCtx(ctx)
		defer cancel()
		var serr error
		saved, serr = o.remote.SaveRecord(opCtx, zone, toSave)
		return classifyRemoteErr(serr)
	})
	if err != nil {
		return err
	}

	if private {
		if err := o.store.SetRemoteRecordID(ctx, plan.entityType, plan.entityID, saved.ID); err != nil {
			return err
		}
		res.Pushed++
	} else {
		res.Mirrored++
	}
	if err := o.store.SetWatermark(ctx, watermarkType, plan.entityID.String(), saved.ModifiedAt); err != nil {
		return err
	}

	if plan.afterSave != nil {
		return plan.afterSave(ctx, saved)
	}
	return nil
}

// pushTemplateItems writes item child records after their template parent.
// Items are reference data below the conflict-resolution layer; they are
// written without a conflict pass.
func (o *Orchestrator) pushTemplateItems(ctx context.Context, zone ZoneID, tpl *ChecklistTemplate, parentRecordID string) error {
	itemIDs, mapped := o.mapper.ResolveItemIDs(tpl.ContentID, len(tpl.Items))
	for i := range tpl.Items {
		item := tpl.Items[i]
		if tpl.ContentID != "" && mapped {
			item.ID = itemIDs[i]
		}
		rec := o.mapper.TemplateItemToRecord(&item, i, parentRecordID)
		err := o.config.Retry.Do(ctx, func(ctx context.Context) error {
			opCtx, cancel := o.opCtx(ctx)
			defer cancel()
			_, serr := o.remote.SaveRecord(opCtx, zone, rec)
			return classifyRemoteErr(serr)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) pushTombstones(ctx context.Context, res *CycleResult) error {
	tombstones, err := o.store.Tombstones(ctx)
	if err != nil {
		return err
	}
	for _, t := range tombstones {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.RemoteRecordID == nil || *t.RemoteRecordID == "" {
			// Never pushed; nothing to delete remotely
			if err := o.store.ClearTombstone(ctx, t.EntityType, t.EntityID); err != nil {
				return err
			}
			continue
		}
		if err := o.deleteRemote(ctx, t); err != nil {
			if abortWorthy(err) {
				return err
			}
			o.recordEntityError(res, t.EntityType, t.EntityID, err)
			continue
		}
		if err := o.store.ClearTombstone(ctx, t.EntityType, t.EntityID); err != nil {
			return err
		}
		res.Pushed++
	}
	return nil
}

func (o *Orchestrator) deleteRemote(ctx context.Context, t Tombstone) error {
	err := o.config.Retry.Do(ctx, func(ctx context.Context) error {
		opCtx, cancel := o.opCtx(ctx)
		defer cancel()
		return classifyRemoteErr(o.remote.DeleteRecord(opCtx, ZonePrivate, *t.RemoteRecordID))
	})
	if err != nil {
		return err
	}
	// Mirror the deletion into the student's shared zone when we know it;
	// child records without a captured student ride the remote cascade.
	if t.StudentID != nil && *t.StudentID != "" {
		studentID, perr := uuid.Parse(*t.StudentID)
		if perr != nil {
			return fmt.Errorf("%w: bad student id on tombstone", ErrCorruptStore)
		}
		err = o.config.Retry.Do(ctx, func(ctx context.Context) error {
			opCtx, cancel := o.opCtx(ctx)
			defer cancel()
			return classifyRemoteErr(o.remote.DeleteRecord(opCtx, SharedZoneID(studentID), *t.RemoteRecordID))
		})
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mirror

// mirrorToSharedZones copies owner entities into each accepted student's
// shared zone. Students without an accepted share are skipped: a pending
// invitation's zone may not exist yet.
func (o *Orchestrator) mirrorToSharedZones(ctx context.Context, res *CycleResult) error {
	students, err := o.store.ListStudents(ctx)
	if err != nil {
		return err
	}
	for i := range students {
		st := students[i]
		if !st.HasAcceptedShare() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.mirrorStudent(ctx, &st, res); err != nil {
			if abortWorthy(err) {
				return err
			}
			o.recordEntityError(res, EntityStudent, st.ID.String(), err)
		}
	}
	return nil
}

func (o *Orchestrator) mirrorStudent(ctx context.Context, st *Student, res *CycleResult) error {
	zone := SharedZoneID(st.ID)
	studentRecordID := recordID(st.RemoteRecordID, st.ID)

	plans := []pushPlan{{
		entityType:   EntityStudent,
		entityID:     st.ID,
		lastModified: st.LastModified,
		record:       o.mapper.StudentToRecord(st),
	}}

	assignments, err := o.store.ListAssignmentsForStudent(ctx, st.ID)
	if err != nil {
		return err
	}
	seenTemplates := make(map[uuid.UUID]bool)
	for i := range assignments {
		a := assignments[i]

		// Mirror the referenced template (and its items) so the student's
		// view can render the checklist. Unresolvable templates leave the
		// assignment unrepaired on the student side too.
		if !seenTemplates[a.TemplateID] {
			seenTemplates[a.TemplateID] = true
			tpl, err := o.store.GetTemplate(ctx, a.TemplateID)
			if err == nil {
				tplCopy := tpl
				plans = append(plans, pushPlan{
					entityType:   EntityTemplate,
					entityID:     tpl.ID,
					lastModified: tpl.LastModified,
					record:       o.mapper.TemplateToRecord(tpl),
					afterSave: func(ctx context.Context, saved *Record) error {
						return o.pushTemplateItems(ctx, zone, tplCopy, saved.ID)
					},
				})
			} else if !errors.Is(err, ErrRecordNotFound) {
				return err
			}
		}

		plans = append(plans, pushPlan{
			entityType:   EntityAssignment,
			entityID:     a.ID,
			lastModified: a.LastModified,
			record:       o.mapper.AssignmentToRecord(&a, studentRecordID),
		})
		for j := range a.Progress {
			p := a.Progress[j]
			plans = append(plans, pushPlan{
				entityType:   EntityProgress,
				entityID:     p.ID,
				lastModified: p.LastModified,
				record:       o.mapper.ProgressToRecord(&p, recordID(a.RemoteRecordID, a.ID)),
			})
		}
	}

	endorsements, err := o.store.ListEndorsementsForStudent(ctx, st.ID)
	if err != nil {
		return err
	}
	for i := range endorsements {
		e := endorsements[i]
		plans = append(plans, pushPlan{
			entityType:   EntityEndorsement,
			entityID:     e.ID,
			lastModified: e.LastModified,
			record:       o.mapper.EndorsementToRecord(&e, studentRecordID),
		})
	}

	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Skip entities whose mirror watermark already covers this edit
		mirrorMark, err := o.store.Watermark(ctx, "mirror:"+plan.entityType, plan.entityID.String())
		if err != nil {
			return err
		}
		if !plan.lastModified.After(mirrorMark) {
			continue
		}
		if err := o.pushEntity(ctx, zone, plan, res, false); err != nil {
			if abortWorthy(err) {
				return err
			}
			o.recordEntityError(res, plan.entityType, plan.entityID.String(), err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pull

// pulledRecordTypes are the student-originated record types pulled from
// shared zones: students edit their personal fields and upload documents.
var pulledRecordTypes = []string{EntityStudent, EntityDocument}

func (o *Orchestrator) pullSharedChanges(ctx context.Context, res *CycleResult) error {
	var zones []ZoneID
	err := o.config.Retry.Do(ctx, func(ctx context.Context) error {
		opCtx, cancel := o.opCtx(ctx)
		defer cancel()
		var lerr error
		zones, lerr = o.remote.ListSharedZones(opCtx)
		return classifyRemoteErr(lerr)
	})
	if err != nil {
		if abortWorthy(err) {
			return err
		}
		o.recordEntityError(res, "zones", "", err)
		return nil
	}

	for _, zone := range zones {
		if _, ok := IsSharedZone(zone); !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.pullZone(ctx, zone, res); err != nil {
			if abortWorthy(err) {
				return err
			}
			o.recordEntityError(res, "zone", string(zone), err)
		}
	}
	return nil
}

func (o *Orchestrator) pullZone(ctx context.Context, zone ZoneID, res *CycleResult) error {
	for _, recordType := range pulledRecordTypes {
		since, err := o.store.Watermark(ctx, "pull:"+recordType, string(zone))
		if err != nil {
			return err
		}

		var records []*Record
		err = o.config.Retry.Do(ctx, func(ctx context.Context) error {
			opCtx, cancel := o.opCtx(ctx)
			defer cancel()
			var qerr error
			records, qerr = o.remote.QueryRecords(opCtx, zone, recordType, since)
			return classifyRemoteErr(qerr)
		})
		if err != nil {
			return err
		}

		// Oldest first, and the watermark stops at the first failure: a record
		// that cannot apply yet (say, a document whose student row has not
		// arrived) must be re-queried next cycle, not silently passed by
		// `since`.
		sort.Slice(records, func(i, j int) bool {
			return records[i].ModifiedAt.Before(records[j].ModifiedAt)
		})
		var latest time.Time
		failed := false
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.applyPulledRecord(ctx, rec, res); err != nil {
				if abortWorthy(err) {
					return err
				}
				o.recordEntityError(res, rec.Type, rec.ID, err)
				failed = true
				continue
			}
			if !failed && rec.ModifiedAt.After(latest) {
				latest = rec.ModifiedAt
			}
		}
		if !latest.IsZero() {
			if err := o.store.SetWatermark(ctx, "pull:"+recordType, string(zone), latest); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyPulledRecord routes one student-originated record through the
// conflict detector rather than blindly overwriting local state.
func (o *Orchestrator) applyPulledRecord(ctx context.Context, rec *Record, res *CycleResult) error {
	switch rec.Type {
	case EntityStudent:
		remoteSt, err := o.mapper.StudentFromRecord(rec)
		if err != nil {
			return err
		}
		local, err := o.store.GetStudent(ctx, remoteSt.ID)
		if errors.Is(err, ErrRecordNotFound) {
			// Student-side record for a student we no longer track; ignore
			return nil
		}
		if err != nil {
			return err
		}
		watermark, err := o.store.Watermark(ctx, EntityStudent, local.ID.String())
		if err != nil {
			return err
		}
		switch o.detector.Detect(local.LastModified, watermark, rec.ModifiedAt) {
		case NoConflict:
			return nil // local authoritative; next push carries the merge
		case RemoteNewer:
			remoteSt.ShareID = local.ShareID
			if err := o.store.ApplyStudent(ctx, remoteSt, rec.ModifiedAt); err != nil {
				return err
			}
			res.Pulled++
			return nil
		default: // Diverged
			localRec := o.mapper.StudentToRecord(local)
			merged, conflicts := o.detector.Resolve(localRec, rec)
			res.Conflicts = append(res.Conflicts, conflicts...)
			mergedSt, err := o.mapper.StudentFromRecord(merged)
			if err != nil {
				return err
			}
			mergedSt.ShareID = local.ShareID
			// Keep the old watermark: the merged row stays dirty and the
			// next push writes it back to the remote side.
			if err := o.store.ApplyStudent(ctx, mergedSt, watermark); err != nil {
				return err
			}
			res.Pulled++
			return nil
		}

	case EntityDocument:
		doc, err := o.mapper.DocumentFromRecord(rec)
		if err != nil {
			return err
		}
		local, err := o.store.GetDocument(ctx, doc.ID)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		if local != nil {
			watermark, werr := o.store.Watermark(ctx, EntityDocument, doc.ID.String())
			if werr != nil {
				return werr
			}
			if o.detector.Detect(local.LastModified, watermark, rec.ModifiedAt) == NoConflict {
				return nil
			}
		}
		if err := o.store.ApplyDocument(ctx, doc, rec.ModifiedAt); err != nil {
			return err
		}
		res.Pulled++
		return nil

	default:
		o.logger.Debug("ignoring pulled record of unhandled type", "type", rec.Type, "id", rec.ID)
		return nil
	}
}

// ---------------------------------------------------------------------------
// Offline queue integration

// queuedRecord is the payload stored with CREATE/UPDATE queue entries: the
// full record plus its target zone, so replay needs no live entity state.
type queuedRecord struct {
	Zone   ZoneID  `json:"zone"`
	Record *Record `json:"record"`
}

// queueDirtyChanges captures the current dirty state into the offline queue
// when the remote store is unreachable.
func (o *Orchestrator) queueDirtyChanges(ctx context.Context, res *CycleResult) error {
	tombstones, err := o.store.Tombstones(ctx)
	if err != nil {
		return err
	}
	for _, t := range tombstones {
		if t.RemoteRecordID == nil || *t.RemoteRecordID == "" {
			if err := o.store.ClearTombstone(ctx, t.EntityType, t.EntityID); err != nil {
				return err
			}
			continue
		}
		payload, _ := json.Marshal(queuedRecord{Zone: ZonePrivate, Record: &Record{ID: *t.RemoteRecordID}})
		if err := o.queue.Enqueue(ctx, t.EntityType, t.EntityID, OpDelete, payload); err != nil {
			return err
		}
		if err := o.store.ClearTombstone(ctx, t.EntityType, t.EntityID); err != nil {
			return err
		}
		res.Queued++
	}

	plans, err := o.collectPushPlans(ctx)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		kind := OpUpdate
		if plan.record.ID == plan.entityID.String() {
			// No remote id assigned yet means the record has never been created
			kind = OpCreate
		}
		payload, merr := json.Marshal(queuedRecord{Zone: ZonePrivate, Record: plan.record})
		if merr != nil {
			return fmt.Errorf("failed to serialize queued record: %w", merr)
		}
		if err := o.queue.Enqueue(ctx, plan.entityType, plan.entityID.String(), kind, payload); err != nil {
			return err
		}
		res.Queued++
	}
	return nil
}

// EnqueueOfflineChange lets the caller queue a single mutation explicitly
// (spec'd UI hook for edits made while the app knows it is offline).
func (o *Orchestrator) EnqueueOfflineChange(ctx context.Context, entityType string, entityID uuid.UUID, kind OpKind) error {
	if kind == OpDelete {
		remoteID, err := o.remoteIDForDelete(ctx, entityType, entityID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(queuedRecord{Zone: ZonePrivate, Record: &Record{ID: remoteID}})
		return o.queue.Enqueue(ctx, entityType, entityID.String(), OpDelete, payload)
	}
	rec, err := o.recordForEntity(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(queuedRecord{Zone: ZonePrivate, Record: rec})
	if err != nil {
		return fmt.Errorf("failed to serialize queued record: %w", err)
	}
	return o.queue.Enqueue(ctx, entityType, entityID.String(), kind, payload)
}

// remoteIDForDelete resolves the remote record id a queued delete must
// target. The entity's remote id can differ from its local UUID (catalog
// pinned templates, server-assigned ids), so the tombstone or the live row is
// consulted the same way pushTombstones does.
func (o *Orchestrator) remoteIDForDelete(ctx context.Context, entityType string, id uuid.UUID) (string, error) {
	tombstones, err := o.store.Tombstones(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range tombstones {
		if t.EntityType == entityType && t.EntityID == id.String() &&
			t.RemoteRecordID != nil && *t.RemoteRecordID != "" {
			return *t.RemoteRecordID, nil
		}
	}
	rec, err := o.recordForEntity(ctx, entityType, id)
	if errors.Is(err, ErrRecordNotFound) {
		return id.String(), nil
	}
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (o *Orchestrator) recordForEntity(ctx context.Context, entityType string, id uuid.UUID) (*Record, error) {
	switch entityType {
	case EntityStudent:
		st, err := o.store.GetStudent(ctx, id)
		if err != nil {
			return nil, err
		}
		return o.mapper.StudentToRecord(st), nil
	case EntityTemplate:
		tpl, err := o.store.GetTemplate(ctx, id)
		if err != nil {
			return nil, err
		}
		return o.mapper.TemplateToRecord(tpl), nil
	case EntityAssignment:
		a, err := o.store.GetAssignment(ctx, id)
		if err != nil {
			return nil, err
		}
		parent, err := o.parentStudentRecordID(ctx, a.StudentID)
		if err != nil {
			return nil, err
		}
		return o.mapper.AssignmentToRecord(a, parent), nil
	case EntityEndorsement:
		e, err := o.store.GetEndorsement(ctx, id)
		if err != nil {
			return nil, err
		}
		parent, err := o.parentStudentRecordID(ctx, e.StudentID)
		if err != nil {
			return nil, err
		}
		return o.mapper.EndorsementToRecord(e, parent), nil
	case EntityDocument:
		d, err := o.store.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		parent, err := o.parentStudentRecordID(ctx, d.StudentID)
		if err != nil {
			return nil, err
		}
		return o.mapper.DocumentToRecord(d, parent), nil
	default:
		return nil, fmt.Errorf("entity type %q cannot be queued", entityType)
	}
}

// processQueue drains the offline queue once connectivity is confirmed. Each
// dequeued operation runs through the same fetch-before-write logic as a
// regular push.
func (o *Orchestrator) processQueue(ctx context.Context, res *CycleResult) error {
	outcomes, err := o.queue.Drain(ctx, func(ctx context.Context, op *Operation) error {
		var payload queuedRecord
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return fmt.Errorf("%w: queued payload unreadable", ErrCorruptStore)
		}
		zone := payload.Zone
		if zone == "" {
			zone = ZonePrivate
		}

		if op.Kind == OpDelete {
			return o.config.Retry.Do(ctx, func(ctx context.Context) error {
				opCtx, cancel := o.opCtx(ctx)
				defer cancel()
				return classifyRemoteErr(o.remote.DeleteRecord(opCtx, zone, payload.Record.ID))
			})
		}

		entityID, err := uuid.Parse(op.EntityID)
		if err != nil {
			return fmt.Errorf("%w: queued entity id unreadable", ErrCorruptStore)
		}
		// A live push may have carried newer state for this entity while the
		// operation sat queued; replaying the snapshot then would write stale
		// fields and regress the watermark. Superseded snapshots are acked
		// without being sent.
		watermark, err := o.store.Watermark(ctx, op.EntityType, op.EntityID)
		if err != nil {
			return err
		}
		if !payload.Record.ModifiedAt.After(watermark) {
			o.logger.Debug("dropping superseded queued operation",
				"type", op.EntityType, "id", op.EntityID)
			return nil
		}
		plan := pushPlan{
			entityType:   op.EntityType,
			entityID:     entityID,
			lastModified: payload.Record.ModifiedAt,
			record:       payload.Record,
			// applyRemote stays nil: replay carries a snapshot; remote-newer
			// state lands on the next pull, not from a stale queue payload.
		}
		return o.pushEntity(ctx, zone, plan, res, true)
	})
	if err != nil {
		if abortWorthy(err) {
			return err
		}
		o.recordEntityError(res, "queue", "", err)
		return nil
	}
	for _, out := range outcomes {
		if out.Applied {
			res.Replayed++
		} else if out.Err != nil && !IsTransient(out.Err) {
			res.Errors = append(res.Errors, EntityError{EntityType: out.EntityType, EntityID: out.EntityID, Err: out.Err})
		}
	}
	return nil
}

// classifyRemoteErr folds raw remote errors into the engine taxonomy:
// deadline expiry becomes a transient record error, everything else passes
// through for the caller to classify against the sentinels.
func classifyRemoteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	return err
}
