package config

import (
	"gopkg.in/ini.v1"
	"tlsvcproxy/internal/shared/types"
)

// LoadIni loads the program's behavioral configuration file.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return iniFile.MapTo(cfg)
}
