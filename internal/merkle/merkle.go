package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"hiveledger/internal/domain"
)

// ProofStep is one level of a membership proof: the sibling hash and
// which side it sits on when recombining.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position" enum:"left,right"`
}

// leafPayload is the canonical leaf encoding. Fields are declared in
// alphabetical order so the JSON key order is stable across versions.
type leafPayload struct {
	ClientID    string `json:"client_id"`
	CompletedAt string `json:"completed_at"`
	Fee         string `json:"fee"`
	ID          string `json:"id"`
	PoEHash     string `json:"proof_of_execution_hash"`
	SubmittedAt string `json:"submitted_at"`
	WorkerID    string `json:"worker_id"`
}

// LeafHash returns the sha256 hex digest of the job's canonical JSON
// encoding.
func LeafHash(j domain.JobRecord) string {
	completed := ""
	if j.CompletedAt != nil {
		completed = *j.CompletedAt
	}
	payload := leafPayload{
		ClientID:    j.ClientID,
		CompletedAt: completed,
		Fee:         j.Fee.String(),
		ID:          j.ID,
		PoEHash:     j.PoEHash,
		SubmittedAt: j.SubmittedAt,
		WorkerID:    j.WorkerID,
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func combine(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// Tree is a merkle tree over an ordered leaf set. Levels[0] holds the
// leaves; the last level holds the single root. An odd node at any level
// is carried up unchanged rather than paired with itself.
type Tree struct {
	Levels [][]string
}

// Build constructs the tree over jobs in the given order. Callers pass
// jobs sorted by id ascending; Build does not reorder them. An empty job
// set yields the empty root.
func Build(jobs []domain.JobRecord) *Tree {
	leaves := make([]string, len(jobs))
	for i, j := range jobs {
		leaves[i] = LeafHash(j)
	}
	return BuildFromLeaves(leaves)
}

func BuildFromLeaves(leaves []string) *Tree {
	t := &Tree{}
	if len(leaves) == 0 {
		return t
	}
	level := append([]string(nil), leaves...)
	t.Levels = append(t.Levels, level)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	return t
}

// Root returns the root hex digest, or "" for an empty tree.
func (t *Tree) Root() string {
	if len(t.Levels) == 0 {
		return ""
	}
	top := t.Levels[len(t.Levels)-1]
	return top[0]
}

// Proof returns the membership proof for the leaf at index i. A carried-up
// odd node contributes no step at that level.
func (t *Tree) Proof(i int) []ProofStep {
	proof := []ProofStep{}
	if len(t.Levels) == 0 || i < 0 || i >= len(t.Levels[0]) {
		return proof
	}
	idx := i
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if idx%2 == 0 {
			if idx+1 < len(level) {
				proof = append(proof, ProofStep{Hash: level[idx+1], Position: "right"})
			}
		} else {
			proof = append(proof, ProofStep{Hash: level[idx-1], Position: "left"})
		}
		idx /= 2
	}
	return proof
}

// Verify recomputes the root from a leaf hash and its proof and compares
// it to the expected root. It never errors: a malformed proof just fails
// to match.
func Verify(leafHash string, proof []ProofStep, root string) bool {
	h := leafHash
	for _, step := range proof {
		switch step.Position {
		case "left":
			h = combine(step.Hash, h)
		case "right":
			h = combine(h, step.Hash)
		default:
			return false
		}
	}
	return h == root
}
