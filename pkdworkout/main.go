// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program pkdworkout measures allocation map and packed tree operations
// against in-memory block stores.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/NVIDIA/pkdtree/allocmap"
	"github.com/NVIDIA/pkdtree/bt"
	"github.com/NVIDIA/pkdtree/bucketstats"
	"github.com/NVIDIA/pkdtree/conf"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/memstore"
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
)

var (
	allocMapConfig allocmap.Config
	doNextStepChan chan bool
	measureAlloc   bool
	opsPerThread   uint64
	perThreadStore bool
	sharedMap      *allocmap.Map
	sharedMutex    sync.Mutex
	sharedTree     *bt.Tree
	stepErrChan    chan error
	stores         []*memstore.Store // one per thread, or only the shared one
	threads        uint64
	treeConfig     bt.Config
)

func usage(file *os.File) {
	fmt.Fprintf(file, "Usage:\n")
	fmt.Fprintf(file, "    %v [aAtT] threads ops-per-thread conf-file [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(file, "  where:\n")
	fmt.Fprintf(file, "    a                       run allocate/free test on a shared allocation map\n")
	fmt.Fprintf(file, "    A                       run allocate/free test on per thread allocation maps\n")
	fmt.Fprintf(file, "    t                       run insert/select test on a shared tree\n")
	fmt.Fprintf(file, "    T                       run insert/select test on per thread trees\n")
	fmt.Fprintf(file, "    threads                 number of threads\n")
	fmt.Fprintf(file, "    ops-per-thread          number of operations each thread will perform\n")
	fmt.Fprintf(file, "    conf-file               input to conf.MakeConfMapFromFile() (\"-\" for none)\n")
	fmt.Fprintf(file, "    [section.option=value]* optional input to conf.UpdateFromStrings()\n")
}

func workoutSchema() *node.Schema {
	return &node.Schema{
		Streams: []node.StreamSpec{
			{Kind: node.StreamFSE, Kinds: []pkd.IndexKind{pkd.IndexSum, pkd.IndexMax}, Summarized: []int{0, 1}},
		},
	}
}

// mapSizeFor returns a map size with room for opsPerThread blocks for each
// of users plus the leaves their pools may hold back.
func mapSizeFor(users uint64) (size uint64) {
	size = users * (opsPerThread + 2*uint64(allocMapConfig.BitsPerLeaf))
	size = (size + pkd.BitmapGranule - 1) / pkd.BitmapGranule * pkd.BitmapGranule
	return
}

func main() {
	var (
		confMap                      conf.ConfMap
		durationOfMeasuredOperations time.Duration
		err                          error
		latencyPerOpInMilliSeconds   float64
		opsPerSecond                 float64
		timeAfterMeasuredOperations  time.Time
		timeBeforeMeasuredOperations time.Time
	)

	// Parse arguments

	if 5 > len(os.Args) {
		usage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "a":
		measureAlloc = true
	case "A":
		measureAlloc = true
		perThreadStore = true
	case "t":
	case "T":
		perThreadStore = true
	default:
		fmt.Fprintf(os.Stderr, "os.Args[1] ('%v') must be one of 'a', 'A', 't', or 'T'\n", os.Args[1])
		os.Exit(1)
	}

	threads, err = strconv.ParseUint(os.Args[2], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of threads failed: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	if 0 == threads {
		fmt.Fprintf(os.Stderr, "threads must be a positive number\n")
		os.Exit(1)
	}

	opsPerThread, err = strconv.ParseUint(os.Args[3], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of ops-per-thread failed: %v\n", os.Args[3], err)
		os.Exit(1)
	}
	if 0 == opsPerThread {
		fmt.Fprintf(os.Stderr, "ops-per-thread must be a positive number\n")
		os.Exit(1)
	}

	if "-" == os.Args[4] {
		confMap = conf.MakeConfMap()
	} else {
		confMap, err = conf.MakeConfMapFromFile(os.Args[4])
		if nil != err {
			fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", os.Args[4], err)
			os.Exit(1)
		}
	}

	if 5 < len(os.Args) {
		err = confMap.UpdateFromStrings(os.Args[5:])
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%#v) failed: %v\n", os.Args[5:], err)
			os.Exit(1)
		}
	}

	allocMapConfig, err = allocmap.ConfigFromConfMap(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "allocmap.ConfigFromConfMap() failed: %v\n", err)
		os.Exit(1)
	}
	treeConfig = allocMapConfig.Tree

	err = logger.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Up() failed: %v\n", err)
		os.Exit(1)
	}

	// Build shared structures

	if perThreadStore {
		stores = make([]*memstore.Store, threads)
	} else {
		stores = []*memstore.Store{memstore.New()}
		if measureAlloc {
			sharedMap, err = allocmap.New(stores[0], allocMapConfig)
			if nil == err {
				err = sharedMap.Enlarge(mapSizeFor(threads))
			}
		} else {
			sharedTree, err = bt.New(stores[0], workoutSchema(), treeConfig)
		}
		if nil != err {
			fmt.Fprintf(os.Stderr, "building shared structure failed: %v\n", err)
			os.Exit(1)
		}
	}

	// Perform tests

	stepErrChan = make(chan error, 0)
	doNextStepChan = make(chan bool, 0)

	// Do initialization step
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		if measureAlloc {
			go allocWorkout(threadIndex)
		} else {
			go treeWorkout(threadIndex)
		}
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "workout initialization step returned: %v\n", err)
			os.Exit(1)
		}
	}

	// Do measured operations step
	timeBeforeMeasuredOperations = time.Now()
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		doNextStepChan <- true
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "workout measured operations step returned: %v\n", err)
			os.Exit(1)
		}
	}
	timeAfterMeasuredOperations = time.Now()

	// Do shutdown step
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		doNextStepChan <- true
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "workout shutdown step returned: %v\n", err)
			os.Exit(1)
		}
	}

	if nil != sharedMap {
		err = sharedMap.Check()
	} else if nil != sharedTree {
		err = sharedTree.Check()
	}
	if nil != err {
		fmt.Fprintf(os.Stderr, "shared structure Check() failed: %v\n", err)
		os.Exit(1)
	}

	err = logger.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Down() failed: %v\n", err)
		os.Exit(1)
	}

	// Report results

	durationOfMeasuredOperations = timeAfterMeasuredOperations.Sub(timeBeforeMeasuredOperations)

	opsPerSecond = float64(threads*opsPerThread*1000*1000*1000) / float64(durationOfMeasuredOperations.Nanoseconds())
	latencyPerOpInMilliSeconds = float64(durationOfMeasuredOperations.Nanoseconds()) / float64(opsPerThread*1000*1000)

	fmt.Printf("opsPerSecond = %10.2f\n", opsPerSecond)
	fmt.Printf("latencyPerOp = %10.2f ms\n", latencyPerOpInMilliSeconds)
	fmt.Print(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"))

	for storeIndex, store := range stores {
		blocks, checksum, checksumErr := storeChecksum(store)
		if nil != checksumErr {
			fmt.Fprintf(os.Stderr, "storeChecksum() failed: %v\n", checksumErr)
			os.Exit(1)
		}
		fmt.Printf("store %d: blocks = %d checksum = 0x%016X\n", storeIndex, blocks, checksum)
	}
}

// storeChecksum folds the checksum of every block of store, in id order, so
// two runs that leave identical block contents report the same value.
func storeChecksum(store *memstore.Store) (blocks int, checksum uint64, err error) {
	var (
		blockChecksum uint64
		ids           []uint64
	)

	ids, err = store.IDs()
	if nil != err {
		return
	}

	for _, id := range ids {
		blockChecksum, err = store.Checksum(id)
		if nil != err {
			return
		}
		checksum = (checksum * 1099511628211) ^ blockChecksum ^ id
	}

	blocks = len(ids)
	err = nil
	return
}

// lockShared serializes access to the shared structure; per thread
// structures need no lock.
func lockShared() {
	if !perThreadStore {
		sharedMutex.Lock()
	}
}

func unlockShared() {
	if !perThreadStore {
		sharedMutex.Unlock()
	}
}

func allocWorkout(threadIndex uint64) {
	var (
		allocMap *allocmap.Map
		allocs   []allocmap.Alloc
		err      error
		found    bool
		i        uint64
		pool     *allocmap.Pool
	)

	// Do initialization step
	if perThreadStore {
		stores[threadIndex] = memstore.New()
		allocMap, err = allocmap.New(stores[threadIndex], allocMapConfig)
		if nil == err {
			err = allocMap.Enlarge(mapSizeFor(1))
		}
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
	} else {
		allocMap = sharedMap
	}
	pool = allocmap.NewPool(allocMapConfig)
	allocs = make([]allocmap.Alloc, opsPerThread)

	// Indicate initialization step is done
	stepErrChan <- nil

	// Await signal to proceed with measured operations step
	_ = <-doNextStepChan

	// Do measured operations
	for i = 0; i < opsPerThread; i++ {
		lockShared()
		allocs[i], found, err = allocMap.Allocate(pool, 0)
		unlockShared()
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
		if !found {
			stepErrChan <- fmt.Errorf("thread %d ran out of blocks after %d allocations", threadIndex, i)
			runtime.Goexit()
		}
	}

	// Indicate measured operations step is done
	stepErrChan <- nil

	// Await signal to proceed with shutdown step
	_ = <-doNextStepChan

	// Do shutdown step
	lockShared()
	for i = 0; i < opsPerThread; i++ {
		err = allocMap.Free(pool, allocs[i])
		if nil != err {
			unlockShared()
			stepErrChan <- err
			runtime.Goexit()
		}
	}
	err = allocMap.DrainPool(pool)
	if nil == err && perThreadStore {
		err = allocMap.Check()
	}
	unlockShared()
	if nil != err {
		stepErrChan <- err
		runtime.Goexit()
	}

	// Indicate shutdown step is done
	stepErrChan <- nil
}

func treeWorkout(threadIndex uint64) {
	var (
		err   error
		found bool
		i     uint64
		size  uint64
		tree  *bt.Tree
	)

	// Do initialization step
	if perThreadStore {
		stores[threadIndex] = memstore.New()
		tree, err = bt.New(stores[threadIndex], workoutSchema(), treeConfig)
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
	} else {
		tree = sharedTree
	}

	// Indicate initialization step is done
	stepErrChan <- nil

	// Await signal to proceed with measured operations step
	_ = <-doNextStepChan

	// Do measured operations
	for i = 0; i < opsPerThread; i++ {
		lockShared()
		size, err = tree.Size(0)
		if nil == err {
			err = tree.Insert(0, size/2, [][]uint64{{threadIndex + 1, i}})
		}
		unlockShared()
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
	}

	// Indicate measured operations step is done
	stepErrChan <- nil

	// Await signal to proceed with shutdown step
	_ = <-doNextStepChan

	// Do shutdown step
	lockShared()
	size, err = tree.Size(0)
	if nil == err {
		_, found, err = tree.Select(0, 0, size)
		if nil == err && !found {
			err = fmt.Errorf("thread %d could not select rank %d", threadIndex, size)
		}
	}
	if nil == err && perThreadStore {
		err = tree.Check()
	}
	unlockShared()
	if nil != err {
		stepErrChan <- err
		runtime.Goexit()
	}

	// Indicate shutdown step is done
	stepErrChan <- nil
}
