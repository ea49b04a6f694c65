package daemon

import (
	"encoding/json"

	"github.com/coreos/rpm-ostree/internal/pkg/origin"
	"github.com/coreos/rpm-ostree/lang/natsort"
)

// DeploymentStatus is the JSON shape observers consume, one entry per
// deployment in boot order.
type DeploymentStatus struct {
	ID           string   `json:"id"`
	OSName       string   `json:"osname"`
	Serial       int32    `json:"serial"`
	Checksum     string   `json:"checksum"`
	Origin       string   `json:"origin"`
	Booted       bool     `json:"booted"`
	Staged       bool     `json:"staged,omitempty"`
	Pinned       bool     `json:"pinned,omitempty"`
	Packages     []string `json:"packages,omitempty"`
	CustomOrigin []string `json:"custom-origin,omitempty"`
}

// Status summarizes the sysroot state.
type Status struct {
	Deployments []DeploymentStatus `json:"deployments"`
	// ActiveTransaction is (title, id) when a transaction is running.
	ActiveTransaction []string `json:"transaction,omitempty"`
}

// Status renders the current deployment list.
func (r *Runtime) Status() (*Status, error) {
	deployments, err := r.sysroot.Deployments()
	if err != nil {
		return nil, err
	}

	st := &Status{}
	for _, d := range deployments {
		ds := DeploymentStatus{
			ID:       d.ID,
			OSName:   d.OSName,
			Serial:   int32(d.DeploySerial),
			Checksum: d.Checksum,
			Booted:   d.Booted,
			Staged:   d.Staged,
			Pinned:   d.Pinned,
		}
		if d.Origin != nil {
			if o, err := origin.Load(d.Origin); err == nil {
				ds.Origin = o.Refspec().String()
				ds.Packages = o.Packages()
				natsort.Strings(ds.Packages)
				if url, desc := o.CustomOrigin(); url != "" {
					ds.CustomOrigin = []string{url, desc}
				}
			}
		}
		st.Deployments = append(st.Deployments, ds)
	}

	if txn := r.Active(); txn != nil {
		st.ActiveTransaction = []string{txn.Title, txn.ID}
	}
	return st, nil
}

// StatusJSON renders Status as indented JSON.
func (r *Runtime) StatusJSON() ([]byte, error) {
	st, err := r.Status()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(st, "", "  ")
}
