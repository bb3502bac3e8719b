// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a triplet Dataset.
type Config struct {
	// ImgType defines how pixel values are scaled, see ClipAndScale.
	ImgType ImgType

	// Bands is the number of leading channels kept from each tile.
	Bands int

	// Augment randomly flips and rotates each tile independently.
	Augment bool

	BatchSize int

	// Shuffle the order of the triplets at every Reset.
	Shuffle bool

	// NumWorkers is the number of goroutines loading batches in parallel. If <= 1 batches are loaded
	// in the caller's goroutine.
	NumWorkers int

	// NumTriplets to use from the directory. If 0, all triplets found are used.
	NumTriplets int

	// PairsOnly ignores the stored distant tiles: the distant tile of each triplet is the anchor or the
	// neighbor of another triplet, drawn at random at every epoch. Only anchor and neighbor files are required.
	PairsOnly bool

	// DropIncompleteBatch skips the last batch of the epoch if it has fewer than BatchSize triplets.
	DropIncompleteBatch bool

	// Seed for shuffling and augmentation. If 0 a random seed is used.
	Seed uint64
}

// DefaultConfig returns the configuration used to train TileNet on Landsat tiles.
func DefaultConfig() Config {
	return Config{
		ImgType:    Landsat,
		Bands:      5,
		Augment:    true,
		BatchSize:  50,
		Shuffle:    true,
		NumWorkers: 4,
	}
}

// Dataset implements train.Dataset over a directory of tile triplets.
//
// Each call to Yield returns:
//
//   - spec: the *Dataset itself.
//   - inputs: anchor, neighbor and distant batches, each float32 shaped [batch_size, height, width, bands].
//   - labels: the triplet indices as int32, shaped [batch_size].
type Dataset struct {
	name, dir string
	config    Config

	// muSelection protects selection, next and shuffle.
	muSelection sync.Mutex
	selection   []int
	next        int
	shuffle     *rand.Rand

	// muRng protects rng, used to seed the augmentation of each batch.
	muRng sync.Mutex
	rng   *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a triplet Dataset reading from dir.
//
// It returns an error if dir holds fewer than config.NumTriplets complete triplets.
func NewDataset(name, dir string, config Config) (*Dataset, error) {
	if config.Bands <= 0 {
		return nil, errors.Errorf("dataset %q: bands must be > 0, got %d", name, config.Bands)
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, config.BatchSize)
	}
	if config.NumTriplets < 0 {
		return nil, errors.Errorf("dataset %q: number of triplets must be >= 0, got %d", name, config.NumTriplets)
	}
	if _, err := ParseImgType(string(config.ImgType)); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	countFn := CountTriplets
	if config.PairsOnly {
		countFn = CountPairs
	}
	available, err := countFn(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	numTriplets := config.NumTriplets
	if numTriplets == 0 {
		numTriplets = available
	}
	if numTriplets > available {
		return nil, errors.Errorf("dataset %q: %d triplets requested, but only %d found in %q",
			name, numTriplets, available, dir)
	}
	if numTriplets == 0 {
		return nil, errors.Errorf("dataset %q: no triplets found in %q", name, dir)
	}
	if config.PairsOnly && numTriplets < 2 {
		return nil, errors.Errorf("dataset %q: sampling distant tiles from other pairs requires at least 2 triplets, got %d",
			name, numTriplets)
	}
	config.NumTriplets = numTriplets

	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	ds := &Dataset{
		name:      name,
		dir:       dir,
		config:    config,
		selection: make([]int, numTriplets),
		shuffle:   rand.New(rand.NewPCG(seed, 0x5eed)),
		rng:       rand.New(rand.NewPCG(seed, 0xa09e)),
	}
	for ii := range ds.selection {
		ds.selection[ii] = ii
	}
	ds.Reset()
	return ds, nil
}

// CountTriplets returns the number of consecutive complete triplets, starting from index 0, in dir.
func CountTriplets(dir string) (int, error) {
	return countMembers(dir, Anchor, Neighbor, Distant)
}

// CountPairs returns the number of consecutive triplets, starting from index 0, in dir with at least
// the anchor and the neighbor tiles.
func CountPairs(dir string) (int, error) {
	return countMembers(dir, Anchor, Neighbor)
}

func countMembers(dir string, members ...Member) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list tiles directory %q", dir)
	}
	present := make(map[int]int)
	for _, entry := range entries {
		name := entry.Name()
		for _, member := range members {
			suffix := member.String() + ".npy"
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			idx, err := strconv.Atoi(strings.TrimSuffix(name, suffix))
			if err != nil || idx < 0 {
				continue
			}
			present[idx]++
		}
	}
	count := 0
	for present[count] == len(members) {
		count++
	}
	return count, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Dir returns the directory of the tiles.
func (ds *Dataset) Dir() string { return ds.dir }

// Config returns the dataset configuration, with NumTriplets resolved.
func (ds *Dataset) Config() Config { return ds.config }

// NumTriplets yielded in each epoch.
func (ds *Dataset) NumTriplets() int { return ds.config.NumTriplets }

// NumBatches yielded in each epoch.
func (ds *Dataset) NumBatches() int {
	n := ds.config.NumTriplets / ds.config.BatchSize
	if !ds.config.DropIncompleteBatch && ds.config.NumTriplets%ds.config.BatchSize != 0 {
		n++
	}
	return n
}

// Reset implements train.Dataset. It restarts the epoch and, if configured, reshuffles the triplets.
func (ds *Dataset) Reset() {
	ds.muSelection.Lock()
	defer ds.muSelection.Unlock()
	ds.next = 0
	if ds.config.Shuffle {
		ds.shuffle.Shuffle(len(ds.selection), func(i, j int) {
			ds.selection[i], ds.selection[j] = ds.selection[j], ds.selection[i]
		})
	}
}

// yieldIndices selects the triplets of the next batch.
func (ds *Dataset) yieldIndices() ([]int, error) {
	ds.muSelection.Lock()
	defer ds.muSelection.Unlock()
	remaining := len(ds.selection) - ds.next
	if remaining <= 0 || (ds.config.DropIncompleteBatch && remaining < ds.config.BatchSize) {
		return nil, io.EOF
	}
	n := min(remaining, ds.config.BatchSize)
	indices := make([]int, n)
	copy(indices, ds.selection[ds.next:ds.next+n])
	ds.next += n
	return indices, nil
}

// batchRng returns an independent random number generator for one batch, so batches can be
// loaded concurrently.
func (ds *Dataset) batchRng() *rand.Rand {
	ds.muRng.Lock()
	defer ds.muRng.Unlock()
	return rand.New(rand.NewPCG(ds.rng.Uint64(), ds.rng.Uint64()))
}

// Transform applies band selection, clipping/scaling and, if configured, augmentation to the tile.
// The given tile is not modified.
func (ds *Dataset) Transform(raw *Tile, rng *rand.Rand) (*Tile, error) {
	tile, err := raw.SelectBands(ds.config.Bands)
	if err != nil {
		return nil, err
	}
	if tile == raw {
		tile = raw.Clone()
	}
	tile.ClipAndScale(ds.config.ImgType)
	if ds.config.Augment {
		tile = tile.Augment(rng)
	}
	return tile, nil
}

// YieldTriplets returns the transformed triplets of the next batch and their indices.
// It is safe for concurrent use.
func (ds *Dataset) YieldTriplets() (triplets []Triplet, indices []int, err error) {
	indices, err = ds.yieldIndices()
	if err != nil {
		return
	}
	rng := ds.batchRng()
	triplets = make([]Triplet, len(indices))
	for ii, idx := range indices {
		var raw Triplet
		raw, err = ds.loadRaw(idx, rng)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
		}
		for member := Anchor; member <= Distant; member++ {
			triplets[ii][member], err = ds.Transform(raw[member], rng)
			if err != nil {
				return nil, nil, errors.WithMessagef(err, "dataset %q, %s of triplet %d", ds.name, member, idx)
			}
		}
	}
	return
}

// loadRaw reads the tiles of triplet idx. With PairsOnly the distant tile is read from a random other triplet.
func (ds *Dataset) loadRaw(idx int, rng *rand.Rand) (raw Triplet, err error) {
	if !ds.config.PairsOnly {
		return LoadTriplet(ds.dir, idx)
	}
	for member := Anchor; member <= Neighbor; member++ {
		raw[member], err = LoadNpy(TripletFile(ds.dir, idx, member))
		if err != nil {
			return Triplet{}, errors.WithMessagef(err, "triplet %d", idx)
		}
	}
	otherIdx, otherMember := ds.sampleDistant(idx, rng)
	raw[Distant], err = LoadNpy(TripletFile(ds.dir, otherIdx, otherMember))
	if err != nil {
		return Triplet{}, errors.WithMessagef(err, "distant tile of triplet %d", idx)
	}
	return raw, nil
}

// sampleDistant draws the anchor or neighbor of a triplet other than idx.
func (ds *Dataset) sampleDistant(idx int, rng *rand.Rand) (int, Member) {
	other := rng.IntN(ds.config.NumTriplets - 1)
	if other >= idx {
		other++
	}
	return other, Member(rng.IntN(2))
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	triplets, indices, err := ds.YieldTriplets()
	if err != nil {
		return
	}
	inputs = make([]*tensors.Tensor, 3)
	for member := Anchor; member <= Distant; member++ {
		tiles := make([]*Tile, len(triplets))
		for ii := range triplets {
			tiles[ii] = triplets[ii][member]
		}
		inputs[member], err = Batch(tiles)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "dataset %q, batching %s tiles", ds.name, member)
		}
	}
	labels32 := make([]int32, len(indices))
	for ii, idx := range indices {
		labels32[ii] = int32(idx)
	}
	labels = []*tensors.Tensor{tensors.FromValue(labels32)}
	return
}

// Batch stacks tiles of the same shape into a float32 tensor shaped [len(tiles), height, width, channels].
func Batch(tiles []*Tile) (*tensors.Tensor, error) {
	if len(tiles) == 0 {
		return nil, errors.New("cannot batch zero tiles")
	}
	first := tiles[0]
	tileSize := len(first.Data)
	data := make([]float32, 0, len(tiles)*tileSize)
	for ii, tile := range tiles {
		if !tile.SameShape(first) {
			return nil, errors.Errorf("tile #%d is %s, but tile #0 is %s", ii, tile, first)
		}
		data = append(data, tile.Data...)
	}
	return tensors.FromFlatDataAndDimensions(data, len(tiles), first.Height, first.Width, first.Channels), nil
}

// Parallel wraps ds in a dataset that loads NumWorkers batches concurrently.
// If NumWorkers <= 1, ds is returned unchanged.
func (ds *Dataset) Parallel() train.Dataset {
	if ds.config.NumWorkers <= 1 {
		return ds
	}
	klog.V(1).Infof("dataset %q: loading with %d workers", ds.name, ds.config.NumWorkers)
	return datasets.CustomParallel(ds).Parallelism(ds.config.NumWorkers).Buffer(ds.config.NumWorkers).Start()
}
