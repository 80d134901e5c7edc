// Package cache holds the per user-session heading cache. One Cache keeps
// four indices over the same records and only mutates them together.
package cache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
)

type marks map[heading.SourceID]struct{}

// bucket is the byPatient[patient][heading] subtree.
type bucket struct {
	byDate  map[int64]marks
	byHost  map[string]marks
	covered map[string]struct{}
}

func newBucket() *bucket {
	return &bucket{
		byDate:  make(map[int64]marks),
		byHost:  make(map[string]marks),
		covered: make(map[string]struct{}),
	}
}

// Cache is a multi-indexed store of heading records for one user session.
type Cache struct {
	mu         sync.RWMutex
	bySourceID map[heading.SourceID]heading.Record
	byPatient  map[string]map[heading.Heading]*bucket
	byHeading  map[heading.Heading]marks
}

// New creates an empty cache
func New() *Cache {
	return &Cache{
		bySourceID: make(map[heading.SourceID]heading.Record),
		byPatient:  make(map[string]map[heading.Heading]*bucket),
		byHeading:  make(map[heading.Heading]marks),
	}
}

// Put inserts records into every index. A record already cached under the
// same source id is replaced.
func (c *Cache) Put(records ...heading.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range records {
		c.put(r)
	}
}

// Fill inserts the records a host returned for (patient, heading) and marks
// the host covered in the same critical section.
func (c *Cache) Fill(patientID string, h heading.Heading, hostID string, records []heading.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range records {
		c.put(r)
	}
	c.bucket(patientID, h, true).covered[hostID] = struct{}{}
}

func (c *Cache) put(r heading.Record) {
	if _, ok := c.bySourceID[r.SourceID]; ok {
		c.remove(r.SourceID)
	}

	c.bySourceID[r.SourceID] = r

	b := c.bucket(r.PatientID, r.Heading, true)
	if key, ok := r.DateKey(); ok {
		addMark(b.byDate, key, r.SourceID)
	}
	addMark(b.byHost, r.HostID, r.SourceID)

	if c.byHeading[r.Heading] == nil {
		c.byHeading[r.Heading] = make(marks)
	}
	c.byHeading[r.Heading][r.SourceID] = struct{}{}
}

func (c *Cache) remove(id heading.SourceID) {
	r, ok := c.bySourceID[id]
	if !ok {
		return
	}
	delete(c.bySourceID, id)

	if b := c.bucket(r.PatientID, r.Heading, false); b != nil {
		if key, ok := r.DateKey(); ok {
			dropMark(b.byDate, key, id)
		}
		dropMark(b.byHost, r.HostID, id)
	}

	if m := c.byHeading[r.Heading]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(c.byHeading, r.Heading)
		}
	}
}

func (c *Cache) bucket(patientID string, h heading.Heading, create bool) *bucket {
	headings, ok := c.byPatient[patientID]
	if !ok {
		if !create {
			return nil
		}
		headings = make(map[heading.Heading]*bucket)
		c.byPatient[patientID] = headings
	}
	b, ok := headings[h]
	if !ok {
		if !create {
			return nil
		}
		b = newBucket()
		headings[h] = b
	}
	return b
}

// Get returns a cached record by source id
func (c *Cache) Get(id heading.SourceID) (heading.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.bySourceID[id]
	return r, ok
}

// Covered reports whether every host in hostIDs has been fetched for
// (patient, heading). A host that answered with zero records counts as covered.
func (c *Cache) Covered(patientID string, h heading.Heading, hostIDs []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.bucket(patientID, h, false)
	if b == nil {
		return false
	}
	for _, id := range hostIDs {
		if _, ok := b.covered[id]; !ok {
			return false
		}
	}
	return true
}

// Uncovered returns the hosts of hostIDs not yet fetched for (patient, heading).
func (c *Cache) Uncovered(patientID string, h heading.Heading, hostIDs []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.bucket(patientID, h, false)
	var out []string
	for _, id := range hostIDs {
		if b != nil {
			if _, ok := b.covered[id]; ok {
				continue
			}
		}
		out = append(out, id)
	}
	return out
}

// PurgePatientHeading removes the (patient, heading) subtree from every
// index and forgets host coverage so the next read goes back to the hosts.
// It returns the number of records removed.
func (c *Cache) PurgePatientHeading(patientID string, h heading.Heading) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(patientID, h, false)
	if b == nil {
		return 0
	}

	n := 0
	for _, ids := range b.byHost {
		for id := range ids {
			delete(c.bySourceID, id)
			if m := c.byHeading[h]; m != nil {
				delete(m, id)
			}
			n++
		}
	}
	if m := c.byHeading[h]; m != nil && len(m) == 0 {
		delete(c.byHeading, h)
	}

	delete(c.byPatient[patientID], h)
	if len(c.byPatient[patientID]) == 0 {
		delete(c.byPatient, patientID)
	}

	return n
}

// ByDate returns the records of (patient, heading) newest first. Undated
// records follow the dated ones, ordered by source id.
func (c *Cache) ByDate(patientID string, h heading.Heading) []heading.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.bucket(patientID, h, false)
	if b == nil {
		return nil
	}

	keys := make([]int64, 0, len(b.byDate))
	for k := range b.byDate {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })

	out := make([]heading.Record, 0, len(keys))
	dated := make(map[heading.SourceID]struct{})
	for _, k := range keys {
		for _, id := range sortedIDs(b.byDate[k]) {
			out = append(out, c.bySourceID[id])
			dated[id] = struct{}{}
		}
	}

	var undated []heading.SourceID
	for _, ids := range b.byHost {
		for id := range ids {
			if _, ok := dated[id]; !ok {
				undated = append(undated, id)
			}
		}
	}
	sort.Slice(undated, func(i, j int) bool { return undated[i] < undated[j] })
	for _, id := range undated {
		out = append(out, c.bySourceID[id])
	}

	return out
}

// ByHost returns the records one host supplied for (patient, heading)
func (c *Cache) ByHost(patientID string, h heading.Heading, hostID string) []heading.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.bucket(patientID, h, false)
	if b == nil {
		return nil
	}
	return c.collect(b.byHost[hostID])
}

// ByHeading returns every cached record of a heading across patients
func (c *Cache) ByHeading(h heading.Heading) []heading.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.collect(c.byHeading[h])
}

// Records returns every record cached for (patient, heading) in source id order.
func (c *Cache) Records(patientID string, h heading.Heading) []heading.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.bucket(patientID, h, false)
	if b == nil {
		return nil
	}
	all := make(marks)
	for _, ids := range b.byHost {
		for id := range ids {
			all[id] = struct{}{}
		}
	}
	return c.collect(all)
}

// Len returns the number of cached records
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.bySourceID)
}

// Verify checks that the four indices agree.
func (c *Cache) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, r := range c.bySourceID {
		b := c.bucket(r.PatientID, r.Heading, false)
		if b == nil {
			return fmt.Errorf("%s: no patient heading bucket", id)
		}
		if _, ok := b.byHost[r.HostID][id]; !ok {
			return fmt.Errorf("%s: missing byHost marker", id)
		}
		if key, ok := r.DateKey(); ok {
			if _, ok := b.byDate[key][id]; !ok {
				return fmt.Errorf("%s: missing byDate marker", id)
			}
		}
		if _, ok := c.byHeading[r.Heading][id]; !ok {
			return fmt.Errorf("%s: missing byHeading marker", id)
		}
	}

	for patientID, headings := range c.byPatient {
		for h, b := range headings {
			for _, ids := range b.byHost {
				for id := range ids {
					if err := c.checkOwner(id, patientID, h); err != nil {
						return err
					}
				}
			}
			for _, ids := range b.byDate {
				for id := range ids {
					if err := c.checkOwner(id, patientID, h); err != nil {
						return err
					}
				}
			}
		}
	}

	for h, ids := range c.byHeading {
		for id := range ids {
			r, ok := c.bySourceID[id]
			if !ok || r.Heading != h {
				return fmt.Errorf("%s: orphan byHeading marker", id)
			}
		}
	}

	return nil
}

func (c *Cache) checkOwner(id heading.SourceID, patientID string, h heading.Heading) error {
	r, ok := c.bySourceID[id]
	if !ok {
		return fmt.Errorf("%s: orphan marker under %s/%s", id, patientID, h)
	}
	if r.PatientID != patientID || r.Heading != h {
		return fmt.Errorf("%s: marker under wrong subtree %s/%s", id, patientID, h)
	}
	return nil
}

func (c *Cache) collect(ids marks) []heading.Record {
	out := make([]heading.Record, 0, len(ids))
	for _, id := range sortedIDs(ids) {
		out = append(out, c.bySourceID[id])
	}
	return out
}

func sortedIDs(ids marks) []heading.SourceID {
	out := make([]heading.SourceID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func addMark[K comparable](index map[K]marks, key K, id heading.SourceID) {
	m, ok := index[key]
	if !ok {
		m = make(marks)
		index[key] = m
	}
	m[id] = struct{}{}
}

func dropMark[K comparable](index map[K]marks, key K, id heading.SourceID) {
	m, ok := index[key]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(index, key)
	}
}
