package signature

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// RootLabel names the synthetic root of a signers tree
const RootLabel = "Datos"

// SignerNode is a node of a signers tree. The root stands for the signed
// data; every other node is a signer, and its children are the signers that
// counter-signed it.
type SignerNode struct {
	Label       string            `json:"label"`
	Certificate *x509.Certificate `json:"-"`
	Children    []*SignerNode     `json:"children,omitempty"`
}

// NewRootNode creates the synthetic root of a signers tree
func NewRootNode() *SignerNode {
	return &SignerNode{Label: RootLabel}
}

// NewSignerNode creates a node for a signer certificate
func NewSignerNode(cert *x509.Certificate) *SignerNode {
	label := "unknown signer"
	if cert != nil {
		label = NewSignerInfo(cert).Name
		if label == "" {
			label = cert.Subject.String()
		}
	}
	return &SignerNode{Label: label, Certificate: cert}
}

// Add appends children and returns n
func (n *SignerNode) Add(children ...*SignerNode) *SignerNode {
	n.Children = append(n.Children, children...)
	return n
}

// Walk visits the tree depth first
func (n *SignerNode) Walk(fn func(depth int, node *SignerNode)) {
	n.walk(0, fn)
}

func (n *SignerNode) walk(depth int, fn func(int, *SignerNode)) {
	fn(depth, n)
	for _, c := range n.Children {
		c.walk(depth+1, fn)
	}
}

// SignerCount returns the number of signer nodes below n
func (n *SignerNode) SignerCount() int {
	count := -1
	n.Walk(func(int, *SignerNode) { count++ })
	return count
}

// String renders the tree, one node per line
func (n *SignerNode) String() string {
	var b strings.Builder
	n.Walk(func(depth int, node *SignerNode) {
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth), node.Label)
	})
	return b.String()
}
