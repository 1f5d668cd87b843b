// Package queue provides the build queue of the build server. It
// places a limit on the number of builds that run concurrently.
// Requests that cannot be started immediately wait in first-in
// first-out order until a builder becomes available.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/sync/semaphore"
)

var (
	queueMetricsOnce sync.Once

	queueReservations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "containerbuilder",
			Subsystem: "build_queue",
			Name:      "reservations",
			Help:      "Number of build reservations, by state.",
		},
		[]string{"state"})
	queueActiveReservations  = queueReservations.WithLabelValues("Active")
	queuePendingReservations = queueReservations.WithLabelValues("Pending")

	queueWaitDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "containerbuilder",
			Subsystem: "build_queue",
			Name:      "wait_duration_seconds",
			Help:      "Amount of time build requests spent waiting in the queue, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-3, 6, 2),
		})
)

// ReservationState is the state of a reservation.
type ReservationState string

const (
	// ReservationStatePending indicates that the reservation is
	// waiting for a builder to become available.
	ReservationStatePending ReservationState = "Pending"
	// ReservationStateActive indicates that a builder has been
	// assigned to the reservation.
	ReservationStateActive ReservationState = "Active"
)

// ReservationStatus is a point-in-time description of a reservation.
type ReservationStatus struct {
	ID          string           `json:"id"`
	Description string           `json:"description,omitempty"`
	State       ReservationState `json:"state"`
	Enqueued    time.Time        `json:"enqueued"`
	Started     *time.Time       `json:"started,omitempty"`
}

// Status of the queue, as returned by Queue.GetStatus().
type Status struct {
	MaximumActive int                 `json:"maximumActive"`
	Active        []ReservationStatus `json:"active"`
	Pending       []ReservationStatus `json:"pending"`
}

// Queue of build requests.
type Queue struct {
	clock         clock.Clock
	uuidGenerator util.UUIDGenerator
	maximumActive int
	semaphore     *semaphore.Weighted

	lock         sync.Mutex
	reservations map[string]*Reservation
}

// NewQueue creates a Queue that permits at most maximumActive builds
// to run at the same time.
func NewQueue(maximumActive int, clock clock.Clock, uuidGenerator util.UUIDGenerator) *Queue {
	queueMetricsOnce.Do(func() {
		prometheus.MustRegister(queueReservations)
		prometheus.MustRegister(queueWaitDurationSeconds)
	})
	if maximumActive <= 0 {
		maximumActive = 1
	}
	return &Queue{
		clock:         clock,
		uuidGenerator: uuidGenerator,
		maximumActive: maximumActive,
		semaphore:     semaphore.NewWeighted(int64(maximumActive)),
		reservations:  map[string]*Reservation{},
	}
}

// Enter the queue. This function blocks until a builder is available,
// returning a reservation that must be released when the build
// completes. If the context is cancelled while waiting, the request
// leaves the queue without obtaining a reservation.
func (q *Queue) Enter(ctx context.Context, description string) (*Reservation, error) {
	id, err := q.uuidGenerator()
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to generate reservation ID")
	}
	r := &Reservation{
		queue:       q,
		id:          id,
		description: description,
		enqueued:    q.clock.Now(),
	}

	q.lock.Lock()
	q.reservations[r.id.String()] = r
	q.lock.Unlock()
	queuePendingReservations.Inc()

	if err := util.AcquireSemaphore(ctx, q.semaphore, 1); err != nil {
		q.lock.Lock()
		delete(q.reservations, r.id.String())
		q.lock.Unlock()
		queuePendingReservations.Dec()
		return nil, err
	}

	now := q.clock.Now()
	q.lock.Lock()
	r.started = now
	r.active = true
	q.lock.Unlock()
	queuePendingReservations.Dec()
	queueActiveReservations.Inc()
	queueWaitDurationSeconds.Observe(now.Sub(r.enqueued).Seconds())
	return r, nil
}

// GetStatus returns the reservations that are currently active and
// pending, both sorted by the time at which they entered the queue.
func (q *Queue) GetStatus() Status {
	s := Status{
		MaximumActive: q.maximumActive,
		Active:        []ReservationStatus{},
		Pending:       []ReservationStatus{},
	}

	q.lock.Lock()
	for _, r := range q.reservations {
		rs := ReservationStatus{
			ID:          r.id.String(),
			Description: r.description,
			Enqueued:    r.enqueued,
		}
		if r.active {
			rs.State = ReservationStateActive
			started := r.started
			rs.Started = &started
			s.Active = append(s.Active, rs)
		} else {
			rs.State = ReservationStatePending
			s.Pending = append(s.Pending, rs)
		}
	}
	q.lock.Unlock()

	for _, list := range [][]ReservationStatus{s.Active, s.Pending} {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].Enqueued.Equal(list[j].Enqueued) {
				return list[i].Enqueued.Before(list[j].Enqueued)
			}
			return list[i].ID < list[j].ID
		})
	}
	return s
}

// Reservation of a builder, obtained by entering the queue.
type Reservation struct {
	queue       *Queue
	id          uuid.UUID
	description string
	enqueued    time.Time

	// Protected by queue.lock.
	started  time.Time
	active   bool
	released bool
}

// ID of the reservation.
func (r *Reservation) ID() string {
	return r.id.String()
}

// Release the reservation, permitting the next request in the queue
// to start. Releasing a reservation more than once has no effect.
func (r *Reservation) Release() {
	q := r.queue
	q.lock.Lock()
	if r.released {
		q.lock.Unlock()
		return
	}
	r.released = true
	delete(q.reservations, r.id.String())
	q.lock.Unlock()

	queueActiveReservations.Dec()
	q.semaphore.Release(1)
}
