package bvh

import (
	"math"
	"time"

	"github.com/achilleasa/raygraph/log"
	"github.com/achilleasa/raygraph/types"
)

type Axis uint8

const (
	XAxis Axis = iota
	YAxis
	ZAxis

	// The BVH builder will not attempt to calculate split candidates
	// if the node bbox along an axis is less than this threshold.
	minSideLength float32 = 1e-3

	// If the split step (calculated as side length / (splitCandidates / depth+1))
	// is less than this threshold the BVH builder will not evaluate
	// split candidates.
	minSplitStep float32 = 1e-5

	// Number of split candidates evaluated per axis at the root.
	splitCandidates float32 = 64
)

var (
	// A split scoring strategy that uses the surface area heuristic (SAH).
	SurfaceAreaHeuristic = surfaceAreaHeuristic{}
)

// The Item interface is implemented by anything the builder can partition.
type Item interface {
	Bounds() types.Box3
}

// A primitive box tagged with its index in the build input.
type Primitive struct {
	Index int
	Box   types.Box3
}

func (p Primitive) Bounds() types.Box3 {
	return p.Box
}

// A callback that is called whenever the BVH builder creates a new leaf.
type LeafCallback func(leaf *Node, items []Item)

// A split scoring strategy.
type ScoreStrategy interface {
	// Calculate a score for splitting workList at splitPoint along a particular Axis.
	ScoreSplit(workList []Item, splitAxis Axis, splitPoint float32) (leftCount, rightCount int, score float32)

	// Calculate a score for all items in workList.
	ScorePartition(workList []Item) (score float32)
}

type splitScore struct {
	axis       Axis
	splitPoint float32

	leftCount, rightCount int
	score                 float32
}

type stats struct {
	nodes    int
	leafs    int
	maxDepth int
}

type builder struct {
	logger log.Logger

	// Bvh nodes stored as a contiguous list
	nodes []Node

	leafCb LeafCallback

	// The minimum number of items that are required for creating a leaf.
	minLeafItems int

	// A channel for receiving score results.
	scoreChan chan splitScore

	scoreStrategy ScoreStrategy

	stats stats
}

// Construct a BVH from a set of items. The root node is always at index 0.
//
// The minLeafItems param specifies the item count at or below which the
// builder emits a leaf without trying to split.
func Build(workList []Item, minLeafItems int, leafCb LeafCallback, scoreStrategy ScoreStrategy) []Node {
	if minLeafItems < 1 {
		minLeafItems = 1
	}

	b := &builder{
		logger:        log.New("bvh builder"),
		nodes:         make([]Node, 0, 2*len(workList)/minLeafItems+1),
		leafCb:        leafCb,
		minLeafItems:  minLeafItems,
		scoreChan:     make(chan splitScore),
		scoreStrategy: scoreStrategy,
	}

	start := time.Now()
	b.partition(workList, 0)
	b.logger.Debugf(
		"BVH build time: %d ms, items: %d, maxDepth: %d, nodes: %d, leafs: %d",
		time.Since(start).Nanoseconds()/1e6,
		len(workList), b.stats.maxDepth, b.stats.nodes, b.stats.leafs,
	)
	return b.nodes
}

// Partition worklist and return node index.
func (b *builder) partition(workList []Item, depth int) uint32 {
	if depth > b.stats.maxDepth {
		b.stats.maxDepth = depth
	}

	bounds := types.EmptyBox()
	for _, item := range workList {
		bounds = bounds.Extend(item.Bounds())
	}
	node := Node{Min: bounds.Min, Max: bounds.Max}

	// Do we have enough items for partitioning? If not create a leaf
	if len(workList) <= b.minLeafItems {
		return b.createLeaf(&node, workList)
	}

	bestScore := b.scoreStrategy.ScorePartition(workList)
	var bestSplit *splitScore

	// Run axis split tests in parallel
	pendingScores := 0
	side := node.Max.Sub(node.Min)
	for axis := XAxis; axis <= ZAxis; axis++ {
		if side[axis] < minSideLength {
			continue
		}

		// We want the split steps to become more granular the deeper we go
		splitStep := side[axis] / (splitCandidates / float32(depth+1))
		if splitStep < minSplitStep {
			continue
		}

		// Far from the origin the step can fall below the float32 spacing, so
		// candidates are indexed and points that did not advance are skipped.
		candidates := int(math.Ceil(float64(splitCandidates / float32(depth+1))))
		lastPoint := node.Min[axis]
		for i := 1; i < candidates; i++ {
			splitPoint := node.Min[axis] + float32(i)*splitStep
			if splitPoint <= lastPoint || splitPoint >= node.Max[axis] {
				continue
			}
			lastPoint = splitPoint
			pendingScores++
			go func(axis Axis, splitPoint float32) {
				lCount, rCount, score := b.scoreStrategy.ScoreSplit(workList, axis, splitPoint)
				b.scoreChan <- splitScore{
					axis:       axis,
					splitPoint: splitPoint,
					leftCount:  lCount,
					rightCount: rCount,
					score:      score,
				}
			}(axis, splitPoint)
		}
	}

	// Process all scores and pick the best split
	for ; pendingScores > 0; pendingScores-- {
		candidate := <-b.scoreChan
		if candidate.score < bestScore {
			bestScore = candidate.score
			bestSplit = &candidate
		}
	}

	// If we can't find a split that improves the current node score create a leaf
	if bestSplit == nil {
		return b.createLeaf(&node, workList)
	}

	leftWorkList := make([]Item, 0, bestSplit.leftCount)
	rightWorkList := make([]Item, 0, bestSplit.rightCount)
	for _, item := range workList {
		if item.Bounds().Center()[bestSplit.axis] < bestSplit.splitPoint {
			leftWorkList = append(leftWorkList, item)
		} else {
			rightWorkList = append(rightWorkList, item)
		}
	}

	nodeIndex := len(b.nodes)
	b.nodes = append(b.nodes, node)
	b.stats.nodes++

	leftNodeIndex := b.partition(leftWorkList, depth+1)
	rightNodeIndex := b.partition(rightWorkList, depth+1)
	b.nodes[nodeIndex].SetChildNodes(leftNodeIndex, rightNodeIndex)

	return uint32(nodeIndex)
}

// Setup the given node as a leaf containing all items in the work list.
// Returns the index to the node in the bvh node array.
func (b *builder) createLeaf(node *Node, workList []Item) uint32 {
	if b.leafCb != nil {
		b.leafCb(node, workList)
	}

	nodeIndex := len(b.nodes)
	b.nodes = append(b.nodes, *node)
	b.stats.leafs++

	return uint32(nodeIndex)
}

// A score implementation that uses surface area heuristic for calculating split scores.
type surfaceAreaHeuristic struct{}

// Score a BVH split based on the surface area heuristic (lower is better):
//
// left count * left BBOX area + right count * right BBOX area.
//
// Splits that generate empty partitions get the worst possible score.
func (h surfaceAreaHeuristic) ScoreSplit(workList []Item, axis Axis, splitPoint float32) (leftCount, rightCount int, score float32) {
	left := types.EmptyBox()
	right := types.EmptyBox()

	for _, item := range workList {
		itemBox := item.Bounds()
		if itemBox.Center()[axis] < splitPoint {
			leftCount++
			left = left.Extend(itemBox)
		} else {
			rightCount++
			right = right.Extend(itemBox)
		}
	}

	if leftCount == 0 || rightCount == 0 {
		return leftCount, rightCount, math.MaxFloat32
	}

	return leftCount, rightCount, float32(leftCount)*halfArea(left) + float32(rightCount)*halfArea(right)
}

// Calculate score for a partitioned workList using formula:
// count * BBOX area
func (h surfaceAreaHeuristic) ScorePartition(workList []Item) (score float32) {
	if len(workList) == 0 {
		return math.MaxFloat32
	}

	bounds := types.EmptyBox()
	for _, item := range workList {
		bounds = bounds.Extend(item.Bounds())
	}
	return float32(len(workList)) * halfArea(bounds)
}

func halfArea(b types.Box3) float32 {
	side := b.Max.Sub(b.Min)
	return side[0]*side[1] + side[1]*side[2] + side[0]*side[2]
}
