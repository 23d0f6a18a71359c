package engine

import "testing"

func key(kind ResourceKind, name string) NodeKey {
	return NodeKey{Kind: kind, Name: name}
}

// TestGraphTopoOrder tests that dependencies always precede dependents.
func TestGraphTopoOrder(t *testing.T) {
	role := key(KindServiceRole, "p-instance-role")
	profile := key(KindInstanceProfile, "p-instance-profile")
	template := key(KindLaunchTemplate, "p-launch-template")

	graph, err := BuildGraph([]DesiredState{
		{Key: template, DependsOn: []NodeKey{profile}},
		{Key: profile, DependsOn: []NodeKey{role}},
		{Key: role},
	})
	if err != nil {
		t.Fatalf("BuildGraph returned error: %v", err)
	}

	order := graph.TopoOrder()
	pos := make(map[NodeKey]int, len(order))
	for i, k := range order {
		pos[k] = i
	}
	if !(pos[role] < pos[profile] && pos[profile] < pos[template]) {
		t.Errorf("Expected role < profile < template, got order %v", order)
	}

	reverse := graph.ReverseTopoOrder()
	if reverse[0] != template || reverse[len(reverse)-1] != role {
		t.Errorf("Expected reverse order to start with template and end with role, got %v", reverse)
	}
}

// TestGraphDeterministicOrder tests that independent nodes are ordered by
// kind rank and then name, so repeated builds produce identical plans.
func TestGraphDeterministicOrder(t *testing.T) {
	states := []DesiredState{
		{Key: key(KindTargetGroup, "p-tg-staging")},
		{Key: key(KindTargetGroup, "p-tg-production")},
		{Key: key(KindServiceRole, "p-build-role")},
	}

	var previous []NodeKey
	for i := 0; i < 5; i++ {
		graph, err := BuildGraph(states)
		if err != nil {
			t.Fatalf("BuildGraph returned error: %v", err)
		}
		order := graph.TopoOrder()
		if previous != nil {
			for j := range order {
				if order[j] != previous[j] {
					t.Fatalf("Order changed between builds: %v vs %v", previous, order)
				}
			}
		}
		previous = order
	}

	if previous[0].Kind != KindServiceRole {
		t.Errorf("Expected service role first, got %v", previous[0])
	}
	if previous[1].Name != "p-tg-production" {
		t.Errorf("Expected production target group before staging, got %v", previous[1])
	}
}

// TestGraphRejectsCycle tests that a dependency cycle fails graph
// construction.
func TestGraphRejectsCycle(t *testing.T) {
	a := key(KindServiceRole, "a")
	b := key(KindInstanceProfile, "b")
	_, err := BuildGraph([]DesiredState{
		{Key: a, DependsOn: []NodeKey{b}},
		{Key: b, DependsOn: []NodeKey{a}},
	})
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if !IsConflict(err) {
		t.Errorf("Expected conflict classification, got %v", err)
	}
}

// TestGraphRejectsUnknownDependency tests that an edge to an undeclared node
// fails graph construction.
func TestGraphRejectsUnknownDependency(t *testing.T) {
	_, err := BuildGraph([]DesiredState{
		{Key: key(KindPipeline, "p"), DependsOn: []NodeKey{key(KindBuildProject, "missing")}},
	})
	if err == nil {
		t.Fatal("Expected unknown dependency error, got nil")
	}
}

// TestGraphRejectsDuplicate tests that the same key cannot appear twice.
func TestGraphRejectsDuplicate(t *testing.T) {
	k := key(KindArtifactBucket, "p-artifacts")
	_, err := BuildGraph([]DesiredState{{Key: k}, {Key: k}})
	if err == nil {
		t.Fatal("Expected duplicate error, got nil")
	}
}

// TestGraphDependents tests transitive dependent traversal.
func TestGraphDependents(t *testing.T) {
	role := key(KindServiceRole, "r")
	profile := key(KindInstanceProfile, "p")
	template := key(KindLaunchTemplate, "t")
	graph, err := BuildGraph([]DesiredState{
		{Key: role},
		{Key: profile, DependsOn: []NodeKey{role}},
		{Key: template, DependsOn: []NodeKey{profile}},
	})
	if err != nil {
		t.Fatalf("BuildGraph returned error: %v", err)
	}

	dependents := graph.Dependents(role)
	if len(dependents) != 2 {
		t.Fatalf("Expected 2 transitive dependents, got %v", dependents)
	}
	if dependents[0] != profile || dependents[1] != template {
		t.Errorf("Expected [profile, template], got %v", dependents)
	}
}
