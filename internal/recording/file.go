package recording

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadExchanges reads a recording file into an ordered queue, for replay
// mode startup.
func LoadExchanges(path string) ([]Exchange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open host capabilities interactions file %s: %w", path, err)
	}
	var exchanges []Exchange
	if err := yaml.Unmarshal(data, &exchanges); err != nil {
		return nil, fmt.Errorf("cannot deserialize contents of %s: %w", path, err)
	}
	return exchanges, nil
}

// SaveExchanges writes exchanges to path as a YAML sequence, for record
// mode shutdown.
func SaveExchanges(path string, exchanges []Exchange) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot save recorded session to file %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	defer enc.Close()
	if err := enc.Encode(exchanges); err != nil {
		return fmt.Errorf("cannot save recorded session to file %s: %w", path, err)
	}
	return nil
}
