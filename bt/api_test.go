// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/conf"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/memstore"
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
)

func testSchema() *node.Schema {
	return &node.Schema{
		Streams: []node.StreamSpec{
			{Kind: node.StreamFSE, Kinds: []pkd.IndexKind{pkd.IndexSum, pkd.IndexMax}, Summarized: []int{0, 1}},
		},
	}
}

func testConfig(blockSize int, maxBlockSize int, mergeThresholdPercent int) Config {
	return Config{
		BlockSize:             blockSize,
		MaxBlockSize:          maxBlockSize,
		MaxTrackedNodes:       node.DefaultMaxTrackedNodes,
		MergeThresholdPercent: mergeThresholdPercent,
	}
}

func newTestTree(t *testing.T, config Config) (tree *Tree, store *memstore.Store) {
	var (
		err error
	)

	store = memstore.New()
	tree, err = New(store, testSchema(), config)
	if nil != err {
		t.Fatalf("New() failed: %v", err)
	}
	return
}

// testRow is the row at position p of a tree built by buildLeaves.
func testRow(p int) []uint64 {
	return []uint64{uint64(p + 1), uint64(10 * p)}
}

// buildLeaves returns a tree with one leaf per entry of sizes holding that
// many rows.
func buildLeaves(t *testing.T, sizes []int) (tree *Tree, leafIDs []uint64) {
	var (
		cursor *Cursor
		err    error
		p      int
	)

	tree, _ = newTestTree(t, testConfig(1024, 1024, 0))

	for i, size := range sizes {
		if 0 == i {
			cursor, err = tree.Begin(0)
		} else {
			cursor, err = tree.AppendLeaf()
		}
		if nil != err {
			t.Fatalf("leaf %d setup failed: %v", i, err)
		}

		rows := make([][]uint64, size)
		for r := range rows {
			rows[r] = testRow(p)
			p++
		}
		if size > 0 {
			err = cursor.ModifyLeaf(func(leaf *node.LeafNode) error {
				return leaf.Insert(0, 0, rows)
			})
			if nil != err {
				t.Fatalf("leaf %d ModifyLeaf() failed: %v", i, err)
			}
		}

		leafIDs = append(leafIDs, cursor.LeafID())
	}

	err = tree.Check()
	if nil != err {
		t.Fatalf("Check() after build failed: %v", err)
	}
	return
}

func TestConfig(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"PackedTree.BlockSize=512",
		"PackedTree.MergeThresholdPercent=30",
	})
	require.NoError(t, err)

	config, err := ConfigFromConfMap(confMap)
	require.NoError(t, err)
	assert.Equal(512, config.BlockSize)
	assert.Equal(DefaultMaxBlockSize, config.MaxBlockSize)
	assert.Equal(node.DefaultMaxTrackedNodes, config.MaxTrackedNodes)
	assert.Equal(30, config.MergeThresholdPercent)

	config, err = ConfigFromConfMap(conf.MakeConfMap())
	require.NoError(t, err)
	assert.Equal(DefaultConfig(), config)

	err = confMap.UpdateFromString("PackedTree.MaxBlockSize=256")
	require.NoError(t, err)
	_, err = ConfigFromConfMap(confMap)
	assert.Error(err)

	err = confMap.UpdateFromString("PackedTree.MaxBlockSize=bogus")
	require.NoError(t, err)
	_, err = ConfigFromConfMap(confMap)
	assert.Error(err)

	_, err = New(memstore.New(), testSchema(), testConfig(64, 64, 0))
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestSkipForward(t *testing.T) {
	assert := assert.New(t)

	tree, leafIDs := buildLeaves(t, []int{3, 5, 2})

	height, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(2, height)

	size, err := tree.Size(0)
	require.NoError(t, err)
	assert.Equal(uint64(10), size)

	cursor, err := tree.Begin(0)
	require.NoError(t, err)
	moved, err := cursor.SkipForward(7)
	require.NoError(t, err)
	assert.Equal(uint64(7), moved)
	assert.Equal(leafIDs[1], cursor.LeafID())
	assert.Equal(4, cursor.Idx())
	assert.Equal(uint64(3), cursor.LeafPrefix())
	assert.Equal(int64(7), cursor.Pos())
	row, err := cursor.Row()
	require.NoError(t, err)
	assert.Equal(testRow(7), row)

	for p := 0; p <= 10; p++ {
		for target := 0; target <= 12; target++ {
			cursor, err = tree.Seek(0, uint64(p))
			require.NoError(t, err)
			assert.Equal(int64(p), cursor.Pos())

			moved, err = cursor.SkipForward(uint64(target))
			require.NoError(t, err)

			expected := target
			if expected > 10-p {
				expected = 10 - p
			}
			assert.Equal(uint64(expected), moved, "skip %d from %d", target, p)
			assert.Equal(int64(p+expected), cursor.Pos(), "skip %d from %d", target, p)
			assert.Equal(p+expected == 10, cursor.IsEnd(), "skip %d from %d", target, p)
		}
	}

	cursor, err = tree.End(0)
	require.NoError(t, err)
	assert.True(cursor.IsEnd())
	assert.Equal(leafIDs[2], cursor.LeafID())
	assert.Equal(int64(10), cursor.Pos())
	_, err = cursor.Row()
	assert.True(blunder.Is(err, blunder.RangeError))
}

func TestSkipBackward(t *testing.T) {
	assert := assert.New(t)

	tree, leafIDs := buildLeaves(t, []int{3, 5, 2})

	cursor, err := tree.Seek(0, 9)
	require.NoError(t, err)
	moved, err := cursor.SkipBackward(3)
	require.NoError(t, err)
	assert.Equal(uint64(3), moved)
	assert.Equal(leafIDs[1], cursor.LeafID())
	assert.Equal(3, cursor.Idx())

	for p := 0; p <= 10; p++ {
		for target := 0; target <= 12; target++ {
			cursor, err = tree.Seek(0, uint64(p))
			require.NoError(t, err)

			moved, err = cursor.SkipBackward(uint64(target))
			require.NoError(t, err)

			if target <= p {
				assert.Equal(uint64(target), moved, "skip back %d from %d", target, p)
				assert.Equal(int64(p-target), cursor.Pos(), "skip back %d from %d", target, p)
				assert.False(cursor.BeforeStart())
			} else {
				assert.Equal(uint64(p), moved, "skip back %d from %d", target, p)
				assert.True(cursor.BeforeStart(), "skip back %d from %d", target, p)
				assert.Equal(int64(-1), cursor.Pos())
				assert.Equal(leafIDs[0], cursor.LeafID())
			}
		}
	}

	moved, err = cursor.SkipForward(1)
	require.NoError(t, err)
	assert.Equal(uint64(1), moved)
	assert.Equal(int64(0), cursor.Pos())
}

func TestSearches(t *testing.T) {
	assert := assert.New(t)

	tree, leafIDs := buildLeaves(t, []int{3, 5, 2})

	totals, err := tree.Totals(0)
	require.NoError(t, err)
	assert.Equal([]uint64{10, 55, 90}, totals)

	for pos := uint64(0); pos <= 10; pos++ {
		rank, err := tree.Rank(0, 0, pos)
		require.NoError(t, err)
		assert.Equal(pos*(pos+1)/2, rank, "rank at %d", pos)

		count, err := tree.Rank(0, node.CountColumn, pos)
		require.NoError(t, err)
		assert.Equal(pos, count)
	}
	_, err = tree.Rank(0, 0, 11)
	assert.True(blunder.Is(err, blunder.RangeError))

	cursor, found, err := tree.Select(0, 0, 7)
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(int64(3), cursor.Pos())
	assert.Equal(leafIDs[1], cursor.LeafID())

	cursor, found, err = tree.Select(0, 0, 55)
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(int64(9), cursor.Pos())

	cursor, found, err = tree.Select(0, 0, 56)
	require.NoError(t, err)
	assert.False(found)
	assert.True(cursor.IsEnd())

	cursor, err = tree.Seek(0, 4)
	require.NoError(t, err)
	found, err = cursor.SelectForward(0, 11)
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(int64(5), cursor.Pos())

	cursor, err = tree.Seek(0, 9)
	require.NoError(t, err)
	found, err = cursor.SelectBackward(0, 19)
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(int64(8), cursor.Pos())

	cursor, err = tree.Seek(0, 9)
	require.NoError(t, err)
	found, err = cursor.SelectBackward(0, 100)
	require.NoError(t, err)
	assert.False(found)
	assert.True(cursor.BeforeStart())

	cursor, found, err = tree.FindGE(0, 1, 45)
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(int64(5), cursor.Pos())

	cursor, found, err = tree.FindGE(0, 1, 50)
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(int64(5), cursor.Pos())

	cursor, found, err = tree.FindGT(0, 1, 50)
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(int64(6), cursor.Pos())

	cursor, found, err = tree.FindGT(0, 1, 90)
	require.NoError(t, err)
	assert.False(found)
	assert.True(cursor.IsEnd())

	_, _, err = tree.FindGE(0, 0, 1)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	row, err := tree.Get(0, 8)
	require.NoError(t, err)
	assert.Equal(testRow(8), row)
	_, err = tree.Get(0, 10)
	assert.True(blunder.Is(err, blunder.RangeError))

	require.NoError(t, tree.Update(0, 2, 0, 103))
	rank, err := tree.Rank(0, 0, 3)
	require.NoError(t, err)
	assert.Equal(uint64(1+2+103), rank)
	assert.NoError(tree.Check())

	_, err = tree.Begin(1)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestNextPrevLeaf(t *testing.T) {
	assert := assert.New(t)

	tree, leafIDs := buildLeaves(t, []int{3, 0, 2})

	cursor, err := tree.Begin(0)
	require.NoError(t, err)

	found, err := cursor.NextLeaf()
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(leafIDs[2], cursor.LeafID())
	assert.Equal(0, cursor.Idx())
	assert.Equal(int64(3), cursor.Pos())

	found, err = cursor.NextLeaf()
	require.NoError(t, err)
	assert.False(found)
	assert.True(cursor.IsEnd())
	assert.Equal(int64(5), cursor.Pos())

	found, err = cursor.PrevLeaf()
	require.NoError(t, err)
	assert.True(found)
	assert.Equal(leafIDs[0], cursor.LeafID())
	assert.Equal(2, cursor.Idx())
	assert.Equal(int64(2), cursor.Pos())

	found, err = cursor.PrevLeaf()
	require.NoError(t, err)
	assert.False(found)
	assert.True(cursor.BeforeStart())

	cursor, err = tree.Seek(0, 3)
	require.NoError(t, err)
	assert.Equal(leafIDs[2], cursor.LeafID())
}

func TestInsertSplitRetry(t *testing.T) {
	var (
		err error
		us  node.LeafUpdateState
	)

	assert := assert.New(t)

	tree, _ := newTestTree(t, testConfig(512, 512, 0))

	root, err := tree.loadNode(tree.RootID())
	require.NoError(t, err)

	n := 0
	for {
		inserts := []node.LeafInsert{{Stream: 0, Idx: n, Rows: [][]uint64{testRow(n)}}}
		err = root.Leaf().PrepareInsert(inserts, &us)
		if nil != err {
			break
		}
		root.Leaf().CommitInsert(inserts, &us)
		n++
	}
	assert.True(blunder.Is(err, blunder.CapacityError))
	assert.Equal(n, root.Leaf().Size(0))

	err = tree.Insert(0, 3, [][]uint64{{1000, 1000}})
	require.NoError(t, err)

	height, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(2, height)

	size, err := tree.Size(0)
	require.NoError(t, err)
	assert.Equal(uint64(n+1), size)

	row, err := tree.Get(0, 3)
	require.NoError(t, err)
	assert.Equal([]uint64{1000, 1000}, row)
	row, err = tree.Get(0, 4)
	require.NoError(t, err)
	assert.Equal(testRow(3), row)

	assert.NoError(tree.Check())

	err = tree.Insert(0, size+2, [][]uint64{{1, 1}})
	assert.True(blunder.Is(err, blunder.RangeError))
}

func TestInsertGrowsBeforeSplit(t *testing.T) {
	assert := assert.New(t)

	tree, store := newTestTree(t, testConfig(512, 2048, 0))

	for n := 0; n < 60; n++ {
		require.NoError(t, tree.Insert(0, uint64(n), [][]uint64{testRow(n)}))
	}

	height, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(1, height)
	assert.Equal(1, store.Len())

	buf, err := store.GetBlock(tree.RootID())
	require.NoError(t, err)
	assert.True(len(buf) > 512)
	assert.NoError(tree.Check())
}

// shortBlockStore hands out blocks too small to format once shortBlocks is
// set, and refuses to free them.
type shortBlockStore struct {
	*memstore.Store
	shortBlocks bool
}

func (store *shortBlockStore) NewBlock(size int) (id uint64, buf []byte, err error) {
	id, buf, err = store.Store.NewBlock(size)
	if (nil == err) && store.shortBlocks {
		buf = buf[:4]
	}
	return
}

func (store *shortBlockStore) FreeBlock(id uint64) (err error) {
	if store.shortBlocks {
		err = blunder.NewError(blunder.NotSupportedError, "block 0x%016X cannot be freed", id)
		return
	}
	err = store.Store.FreeBlock(id)
	return
}

func TestAppendLeafFreeFailureIsLogged(t *testing.T) {
	assert := assert.New(t)

	store := &shortBlockStore{Store: memstore.New()}
	tree, err := New(store, testSchema(), testConfig(1024, 8192, 0))
	require.NoError(t, err)
	require.NoError(t, tree.Insert(0, 0, [][]uint64{testRow(0)}))

	failures := stats.FreeFailures.TotalGet()

	store.shortBlocks = true
	_, err = tree.AppendLeaf()
	assert.Error(err)
	assert.Equal(failures+1, stats.FreeFailures.TotalGet())
	assert.Equal(2, store.Len())

	store.shortBlocks = false
	assert.NoError(tree.Check())
	size, err := tree.Size(0)
	require.NoError(t, err)
	assert.Equal(uint64(1), size)
}

func TestInsertRemove(t *testing.T) {
	assert := assert.New(t)

	tree, store := newTestTree(t, testConfig(512, 512, 40))

	var model []uint64
	for i := 0; i < 600; i++ {
		pos := (i * 7) % (len(model) + 1)
		require.NoError(t, tree.Insert(0, uint64(pos), [][]uint64{{1, uint64(i)}}))
		model = append(model, 0)
		copy(model[pos+1:], model[pos:])
		model[pos] = uint64(i)
	}

	require.NoError(t, tree.Check())
	height, err := tree.Height()
	require.NoError(t, err)
	assert.True(height >= 3)

	size, err := tree.Size(0)
	require.NoError(t, err)
	assert.Equal(uint64(600), size)

	cursor, err := tree.Begin(0)
	require.NoError(t, err)
	for p, value := range model {
		row, err := cursor.Row()
		require.NoError(t, err, "row %d", p)
		assert.Equal(value, row[1], "row %d", p)
		_, err = cursor.SkipForward(1)
		require.NoError(t, err)
	}
	assert.True(cursor.IsEnd())

	seed := uint64(17)
	for i := 0; i < 200; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		p := int(seed>>33) % 601
		target := int(seed>>13) % 700

		cursor, err = tree.Seek(0, uint64(p))
		require.NoError(t, err)
		moved, err := cursor.SkipForward(uint64(target))
		require.NoError(t, err)
		expected := target
		if expected > 600-p {
			expected = 600 - p
		}
		assert.Equal(uint64(expected), moved)
		assert.Equal(int64(p+expected), cursor.Pos())

		cursor, err = tree.Seek(0, uint64(p))
		require.NoError(t, err)
		moved, err = cursor.SkipBackward(uint64(target))
		require.NoError(t, err)
		if target <= p {
			assert.Equal(uint64(target), moved)
			assert.Equal(int64(p-target), cursor.Pos())
		} else {
			assert.Equal(uint64(p), moved)
			assert.True(cursor.BeforeStart())
		}
	}

	blocks := store.Len()

	for len(model) > 0 {
		pos := len(model) / 3
		count := 37
		if count > len(model)-pos {
			count = len(model) - pos
		}
		require.NoError(t, tree.Remove(0, uint64(pos), uint64(count)))
		model = append(model[:pos], model[pos+count:]...)

		require.NoError(t, tree.Check())
		size, err = tree.Size(0)
		require.NoError(t, err)
		assert.Equal(uint64(len(model)), size)
		if len(model) > 0 {
			row, err := tree.Get(0, uint64(pos/2))
			require.NoError(t, err)
			assert.Equal(model[pos/2], row[1])
		}
	}

	assert.True(store.Len() < blocks)

	err = tree.Remove(0, 0, 1)
	assert.True(blunder.Is(err, blunder.RangeError))
	assert.NoError(tree.Remove(0, 0, 0))
}

func TestMergeBranchNodes(t *testing.T) {
	var (
		cursor *Cursor
		err    error
		height int
		leaves int
	)

	assert := assert.New(t)

	tree, store := newTestTree(t, testConfig(512, 512, 0))

	for height = 1; height < 3; leaves++ {
		if 0 == leaves {
			cursor, err = tree.Begin(0)
		} else {
			cursor, err = tree.AppendLeaf()
		}
		require.NoError(t, err)
		value := uint64(leaves)
		require.NoError(t, cursor.ModifyLeaf(func(leaf *node.LeafNode) error {
			return leaf.Insert(0, 0, [][]uint64{{1, value}})
		}))
		assert.Equal(int64(leaves), cursor.Pos())

		height, err = tree.Height()
		require.NoError(t, err)
		require.True(t, leaves < 10000)
	}
	require.NoError(t, tree.Check())

	root, err := tree.loadNode(tree.RootID())
	require.NoError(t, err)
	require.True(t, root.Branch().Size() >= 2)
	rootChildren := root.Branch().Size()
	tgtID := root.Branch().ChildID(0)
	srcID := root.Branch().ChildID(1)

	tgt, err := tree.loadNode(tgtID)
	require.NoError(t, err)
	src, err := tree.loadNode(srcID)
	require.NoError(t, err)
	children := tgt.Branch().Size() + src.Branch().Size()

	_, err = tree.MergeBranchNodes(tgtID, tree.RootID())
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	_, err = tree.MergeBranchNodes(tree.RootID(), tgtID)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	_, err = tree.MergeBranchNodes(tgtID, tgt.Branch().ChildID(0))
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	_, err = tree.MergeBranchNodes(9999999, srcID)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	blocks := store.Len()

	merged, err := tree.MergeBranchNodes(tgtID, srcID)
	require.NoError(t, err)
	assert.True(merged)
	assert.Equal(blocks-1, store.Len())
	_, err = store.GetBlock(srcID)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	tgt, err = tree.loadNode(tgtID)
	require.NoError(t, err)
	assert.Equal(children, tgt.Branch().Size())

	if 2 == rootChildren {
		assert.Equal(tgtID, tree.RootID())
		assert.True(tgt.IsRoot())
	} else {
		root, err = tree.loadNode(tree.RootID())
		require.NoError(t, err)
		assert.Equal(rootChildren-1, root.Branch().Size())
		assert.Equal(tgt.Summaries(), [][]uint64{root.Branch().SummaryRow(0, 0)})
	}
	assert.NoError(tree.Check())

	size, err := tree.Size(0)
	require.NoError(t, err)
	assert.Equal(uint64(leaves), size)
	for pos := 0; pos < leaves; pos++ {
		row, err := tree.Get(0, uint64(pos))
		require.NoError(t, err)
		assert.Equal(uint64(pos), row[1])
	}
}

func TestMergeBranchNodesFromLeft(t *testing.T) {
	assert := assert.New(t)

	tree, _ := newTestTree(t, testConfig(512, 512, 0))

	for height := 1; height < 3; {
		cursor, err := tree.AppendLeaf()
		require.NoError(t, err)
		require.NoError(t, cursor.ModifyLeaf(func(leaf *node.LeafNode) error {
			return leaf.Insert(0, 0, [][]uint64{{1, 1}})
		}))
		height, err = tree.Height()
		require.NoError(t, err)
	}

	root, err := tree.loadNode(tree.RootID())
	require.NoError(t, err)
	tgtID := root.Branch().ChildID(1)
	srcID := root.Branch().ChildID(0)

	before, err := tree.Size(0)
	require.NoError(t, err)

	merged, err := tree.MergeBranchNodes(tgtID, srcID)
	require.NoError(t, err)
	assert.True(merged)
	assert.NoError(tree.Check())

	after, err := tree.Size(0)
	require.NoError(t, err)
	assert.Equal(before, after)

	cursor, err := tree.Begin(0)
	require.NoError(t, err)
	assert.Equal(int64(0), cursor.Pos())
}

func TestOpenAndDump(t *testing.T) {
	assert := assert.New(t)

	tree, _ := buildLeaves(t, []int{3, 5, 2})
	store := tree.provider.(*memstore.Store)

	reopened, err := Open(store, testSchema(), testConfig(1024, 1024, 0), tree.RootID())
	require.NoError(t, err)
	size, err := reopened.Size(0)
	require.NoError(t, err)
	assert.Equal(uint64(10), size)

	root, err := tree.loadNode(tree.RootID())
	require.NoError(t, err)
	_, err = Open(store, testSchema(), testConfig(1024, 1024, 0), root.Branch().ChildID(0))
	assert.True(blunder.Is(err, blunder.CorruptLayoutError))
	_, err = Open(store, testSchema(), testConfig(1024, 1024, 0), 9999999)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	var dump strings.Builder
	require.NoError(t, tree.GenerateDataEvents(layout.NewTextDumpHandler(&dump)))
	assert.True(strings.HasPrefix(dump.String(), "Tree[1]:"))
	assert.Equal(3, strings.Count(dump.String(), "LeafNode["))
	assert.Equal(1, strings.Count(dump.String(), "BranchNode["))
}
