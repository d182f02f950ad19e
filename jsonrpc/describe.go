package jsonrpc

import (
	"context"
)

// DescribeMethod is the name of the built-in service description method.
const DescribeMethod = "system.describe"

// ServiceDescription is the result of system.describe.
type ServiceDescription struct {
	SDVersion string            `json:"sdversion"`
	Name      string            `json:"name"`
	ID        string            `json:"id"`
	Address   string            `json:"address,omitempty"`
	Procs     []ProcDescription `json:"procs"`
}

type ProcDescription struct {
	Name       string             `json:"name"`
	Summary    string             `json:"summary,omitempty"`
	Idempotent bool               `json:"idempotent"`
	Params     []ParamDescription `json:"params"`
	Return     string             `json:"return,omitempty"`
}

type ParamDescription struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// Describe lists every registered method.
func (s *Site) Describe() ServiceDescription {
	methods := s.registry.Methods()
	sd := ServiceDescription{
		SDVersion: "1.0",
		Name:      s.name,
		ID:        s.ID(),
		Address:   s.serviceURL,
		Procs:     make([]ProcDescription, 0, len(methods)),
	}
	for _, m := range methods {
		pd := ProcDescription{
			Name:       m.Name,
			Summary:    m.Summary,
			Idempotent: m.Safe,
			Params:     make([]ParamDescription, 0, len(m.Params)),
			Return:     m.Returns,
		}
		for _, p := range m.Params {
			typ := p.Type
			if typ == "" {
				typ = "any"
			}
			pd.Params = append(pd.Params, ParamDescription{Name: p.Name, Type: typ, Optional: p.Optional})
		}
		sd.Procs = append(sd.Procs, pd)
	}
	return sd
}

func (s *Site) describeMethod() Method {
	return Method{
		Name:    DescribeMethod,
		Safe:    true,
		Summary: "Describe the methods offered by this service.",
		Returns: "object",
		Handler: func(context.Context, Args) (any, error) {
			return s.Describe(), nil
		},
	}
}
