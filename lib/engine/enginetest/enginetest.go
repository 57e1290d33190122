package enginetest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/vkvlabs/vKV/lib/engine"
)

// EngineFactory creates a fresh Engine instance rooted in a
// test-controlled directory.
type EngineFactory func(tb testing.TB) engine.Engine

// RunEngineTests runs a conformance test suite for an Engine
// implementation.
func RunEngineTests(t *testing.T, name string, factory EngineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, factory(t))
		})

		t.Run("Remove", func(t *testing.T) {
			testRemove(t, factory(t))
		})

		t.Run("Merge", func(t *testing.T) {
			testMerge(t, factory(t))
		})

		t.Run("IteratorOrder", func(t *testing.T) {
			testIteratorOrder(t, factory(t))
		})

		t.Run("RangeScan", func(t *testing.T) {
			testRangeScan(t, factory(t))
		})

		t.Run("PrefixScan", func(t *testing.T) {
			testPrefixScan(t, factory(t))
		})

		t.Run("ColumnFamilies", func(t *testing.T) {
			testColumnFamilies(t, factory(t))
		})

		t.Run("KeyCount", func(t *testing.T) {
			testKeyCount(t, factory(t))
		})

		t.Run("Checkpoint", func(t *testing.T) {
			testCheckpoint(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	key := []byte("test-key")
	value1 := []byte("test-value1")
	value2 := []byte("test-value2")

	if err := eng.Put(engine.DefaultFamily, key, value1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	result, found, err := eng.Get(engine.DefaultFamily, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Errorf("Expected key %s to exist after Put", key)
	}
	if !bytes.Equal(result, value1) {
		t.Errorf("Expected value %s, got %s", value1, result)
	}

	if err := eng.Put(engine.DefaultFamily, key, value2); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	result, found, err = eng.Get(engine.DefaultFamily, key)
	if err != nil || !found {
		t.Fatalf("Get after overwrite failed: found=%t err=%v", found, err)
	}
	if !bytes.Equal(result, value2) {
		t.Errorf("Expected overwritten value %s, got %s", value2, result)
	}

	_, found, err = eng.Get(engine.DefaultFamily, []byte("nonexistent-key"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Errorf("Expected nonexistent key to return found=false")
	}
}

func testRemove(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	key := []byte("doomed")
	if err := eng.Put(engine.DefaultFamily, key, []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := eng.Remove(engine.DefaultFamily, key); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	_, found, err := eng.Get(engine.DefaultFamily, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Errorf("Expected key to be gone after Remove")
	}

	// Removing an absent key is not an error.
	if err := eng.Remove(engine.DefaultFamily, []byte("never-existed")); err != nil {
		t.Errorf("Remove of absent key failed: %v", err)
	}
}

func testMerge(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	if err := eng.CreateColumnFamily("lists", true); err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}

	key := []byte("merge-key")
	elements := [][]byte{[]byte("a"), []byte("bb"), []byte(""), []byte("cccc")}
	for _, el := range elements {
		if err := eng.Merge("lists", key, el); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
	}

	values, found, err := eng.Values("lists", key)
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	if !found {
		t.Fatalf("Expected merged key to exist")
	}
	if len(values) != len(elements) {
		t.Fatalf("Expected %d values, got %d", len(elements), len(values))
	}
	for i := range elements {
		if !bytes.Equal(values[i], elements[i]) {
			t.Errorf("Value %d: expected %q, got %q", i, elements[i], values[i])
		}
	}

	// Remove drops all values of the key.
	if err := eng.Remove("lists", key); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	_, found, err = eng.Values("lists", key)
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	if found {
		t.Errorf("Expected all values gone after Remove")
	}

	// Merge on a single-valued family is rejected, and so is Put on a
	// multi-valued one: a plain set would corrupt the framed value list.
	if err := eng.Merge(engine.DefaultFamily, key, []byte("x")); err == nil {
		t.Errorf("Expected Merge on single-valued family to fail")
	}
	if err := eng.Put("lists", key, []byte("x")); err == nil {
		t.Errorf("Expected Put on multi-valued family to fail")
	}
	if err := eng.Merge("lists", key, []byte("y")); err != nil {
		t.Errorf("Merge after rejected Put failed: %v", err)
	}
	values, found, err = eng.Values("lists", key)
	if err != nil || !found {
		t.Fatalf("Values after rejected Put failed: found=%t err=%v", found, err)
	}
	if len(values) != 1 || !bytes.Equal(values[0], []byte("y")) {
		t.Errorf("Expected single value %q, got %v", "y", values)
	}
}

func testIteratorOrder(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	// Inserted out of order; the iterator must yield ascending key bytes.
	keys := []string{"delta", "alpha", "echo", "charlie", "bravo"}
	for _, k := range keys {
		if err := eng.Put(engine.DefaultFamily, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	it, err := eng.Iterator(engine.DefaultFamily)
	if err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	defer it.Close()

	var got []string
	for ok := it.First(); ok; ok = it.Next() {
		got = append(got, string(it.Key()))
	}

	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d keys, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func testRangeScan(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := eng.Put(engine.DefaultFamily, key, []byte{byte(i)}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	it, err := eng.RangeScan(engine.DefaultFamily, []byte("k3"), []byte("k7"))
	if err != nil {
		t.Fatalf("RangeScan failed: %v", err)
	}
	defer it.Close()

	var got []string
	for ok := it.First(); ok; ok = it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"k3", "k4", "k5", "k6"}
	if len(got) != len(want) {
		t.Fatalf("Expected keys %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func testPrefixScan(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	keys := []string{"user:1", "user:2", "user:30", "group:1", "zz"}
	for _, k := range keys {
		if err := eng.Put(engine.DefaultFamily, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	it, err := eng.PrefixScan(engine.DefaultFamily, []byte("user:"))
	if err != nil {
		t.Fatalf("PrefixScan failed: %v", err)
	}
	defer it.Close()

	count := 0
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), []byte("user:")) {
			t.Errorf("Key %s does not match prefix", it.Key())
		}
		count++
	}
	if count != 3 {
		t.Errorf("Expected 3 keys with prefix, got %d", count)
	}
}

func testColumnFamilies(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	if err := eng.CreateColumnFamily("timers", false); err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	if err := eng.CreateColumnFamily("timers", false); err == nil {
		t.Errorf("Expected duplicate CreateColumnFamily to fail")
	}

	// Same key, different families, different values.
	key := []byte("shared-key")
	if err := eng.Put(engine.DefaultFamily, key, []byte("default-v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := eng.Put("timers", key, []byte("timers-v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, _, err := eng.Get(engine.DefaultFamily, key)
	if err != nil || !bytes.Equal(v, []byte("default-v")) {
		t.Errorf("Default family value wrong: %s (err=%v)", v, err)
	}
	v, _, err = eng.Get("timers", key)
	if err != nil || !bytes.Equal(v, []byte("timers-v")) {
		t.Errorf("Timers family value wrong: %s (err=%v)", v, err)
	}

	// Iteration stays inside one family.
	it, err := eng.Iterator("timers")
	if err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	defer it.Close()
	count := 0
	for ok := it.First(); ok; ok = it.Next() {
		count++
	}
	if count != 1 {
		t.Errorf("Expected 1 key in timers family, got %d", count)
	}

	// Prefixes are never reused and never collide.
	seen := map[uint16]string{}
	for _, cf := range eng.ColumnFamilies() {
		if other, ok := seen[cf.Prefix]; ok {
			t.Errorf("Families %q and %q share prefix %d", cf.Name, other, cf.Prefix)
		}
		seen[cf.Prefix] = cf.Name
	}

	if _, _, err := eng.Get("unknown", key); err == nil {
		t.Errorf("Expected Get on unknown family to fail")
	}
}

func testKeyCount(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	if got := eng.KeyCount(); got != 0 {
		t.Errorf("Expected empty engine, got %d keys", got)
	}

	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("count-%d", i))
		if err := eng.Put(engine.DefaultFamily, key, []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// Overwrite must not change the count.
	if err := eng.Put(engine.DefaultFamily, []byte("count-0"), []byte("v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if got := eng.KeyCount(); got != 5 {
		t.Errorf("Expected 5 keys, got %d", got)
	}

	if err := eng.Remove(engine.DefaultFamily, []byte("count-3")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := eng.KeyCount(); got != 4 {
		t.Errorf("Expected 4 keys after Remove, got %d", got)
	}
}

func testCheckpoint(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("ckpt-%03d", i))
		if err := eng.Put(engine.DefaultFamily, key, []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	ckptDir := filepath.Join(t.TempDir(), "ckpt")
	if err := eng.Checkpoint(ckptDir); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	// The checkpoint must open as an independent engine with the same
	// content.
	restored, err := engine.Open(ckptDir, engine.DefaultOptions())
	if err != nil {
		t.Fatalf("Opening checkpoint failed: %v", err)
	}
	defer restored.Close()

	v, found, err := restored.Get(engine.DefaultFamily, []byte("ckpt-042"))
	if err != nil || !found || !bytes.Equal(v, []byte("v")) {
		t.Errorf("Checkpointed engine missing key: found=%t err=%v", found, err)
	}
}
